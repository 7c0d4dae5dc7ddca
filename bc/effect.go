package bc

import "github.com/chain/txvm/errors"

// An Effect is a before/after image pair for a single object,
// proposed by a controller. A creation has an empty before image, a
// deletion an empty after image. An effect with identical images is a
// no-op and is stripped before commit.
type Effect struct {
	ObjectID Id
	Before   *Object
	After    *Object
}

// NewCreation proposes bringing obj into existence.
func NewCreation(obj *Object) Effect {
	return Effect{ObjectID: obj.ID, After: obj}
}

// NewModification proposes replacing before with after.
func NewModification(before, after *Object) Effect {
	return Effect{ObjectID: before.ID, Before: before, After: after}
}

// NewDeletion proposes removing obj from the store.
func NewDeletion(obj *Object) Effect {
	return Effect{ObjectID: obj.ID, Before: obj}
}

// IsNoop reports whether the effect leaves its object unchanged.
func (e *Effect) IsNoop() bool {
	return e.Before.Equal(e.After)
}

func writeObject(w *Writer, o *Object) {
	w.Id(o.ID)
	w.Id(o.ControllerID)
	w.Byte(byte(o.Kind))
	w.Byte(byte(o.VM))
	w.VarBytes(o.Payload)
}

func readObject(r *Reader, limits Limits) *Object {
	var o Object
	o.ID = r.Id()
	o.ControllerID = r.Id()
	o.Kind = Kind(r.Byte())
	o.VM = VMTag(r.Byte())
	o.Payload = r.VarBytes(limits.MaxObjectBytes)
	if r.Err() != nil {
		return nil
	}
	if o.Kind != KindData && o.Kind != KindExecutable {
		r.err = errors.Wrapf(ErrTruncated, "unknown object kind %d", o.Kind)
		return nil
	}
	if o.Kind == KindData && o.VM != 0 {
		r.err = errors.New("data object carries a vm tag")
		return nil
	}
	return &o
}

func writeOptObject(w *Writer, o *Object) {
	if o == nil {
		w.Byte(0)
		return
	}
	w.Byte(1)
	writeObject(w, o)
}

func readOptObject(r *Reader, limits Limits) *Object {
	switch tag := r.Byte(); tag {
	case 0:
		return nil
	case 1:
		return readObject(r, limits)
	default:
		if r.err == nil {
			r.err = errors.Wrapf(ErrTruncated, "bad option tag %d", tag)
		}
		return nil
	}
}

// EncodeObject returns the canonical encoding of o.
func EncodeObject(o *Object) []byte {
	w := NewWriter()
	writeObject(w, o)
	return w.Bytes()
}

// DecodeObject strictly parses a canonical object.
func DecodeObject(b []byte, limits Limits) (*Object, error) {
	r := NewReader(b)
	o := readObject(r, limits)
	if err := r.Finish(); err != nil {
		return nil, errors.Wrap(err, "decoding object")
	}
	return o, nil
}

func (e *Effect) writeTo(w *Writer) {
	w.Id(e.ObjectID)
	writeOptObject(w, e.Before)
	writeOptObject(w, e.After)
}

func readEffect(r *Reader, limits Limits) Effect {
	var e Effect
	e.ObjectID = r.Id()
	e.Before = readOptObject(r, limits)
	e.After = readOptObject(r, limits)
	if r.Err() == nil && e.Before == nil && e.After == nil {
		r.err = errors.New("effect with neither image")
	}
	return e
}

// Encode returns the canonical encoding of the effect.
func (e *Effect) Encode() []byte {
	w := NewWriter()
	e.writeTo(w)
	return w.Bytes()
}

// DecodeEffect strictly parses a canonical effect.
func DecodeEffect(b []byte, limits Limits) (*Effect, error) {
	r := NewReader(b)
	e := readEffect(r, limits)
	if err := r.Finish(); err != nil {
		return nil, errors.Wrap(err, "decoding effect")
	}
	return &e, nil
}

// EncodeEffects lays out a guest output buffer: a u32 count followed
// by the canonical effects.
func EncodeEffects(effects []Effect) []byte {
	w := NewWriter()
	w.U32(uint32(len(effects)))
	for i := range effects {
		effects[i].writeTo(w)
	}
	return w.Bytes()
}

// DecodeEffects strictly parses a guest output buffer.
func DecodeEffects(b []byte, limits Limits) ([]Effect, error) {
	r := NewReader(b)
	n := r.U32()
	if r.Err() == nil && n > limits.MaxEffects {
		return nil, errors.Wrapf(ErrTruncated, "%d effects exceeds bound %d", n, limits.MaxEffects)
	}
	var effects []Effect
	for i := uint32(0); i < n && r.Err() == nil; i++ {
		effects = append(effects, readEffect(r, limits))
	}
	if err := r.Finish(); err != nil {
		return nil, errors.Wrap(err, "decoding effects")
	}
	return effects, nil
}

// DecodeEffectsPrefix parses a count-prefixed effect sequence from
// the front of b, ignoring whatever follows. The VM executor uses it
// to read the guest output buffer, whose tail is zero padding.
func DecodeEffectsPrefix(b []byte, limits Limits) ([]Effect, error) {
	r := NewReader(b)
	n := r.U32()
	if r.Err() == nil && n > limits.MaxEffects {
		return nil, errors.Wrapf(ErrTruncated, "%d effects exceeds bound %d", n, limits.MaxEffects)
	}
	var effects []Effect
	for i := uint32(0); i < n && r.Err() == nil; i++ {
		effects = append(effects, readEffect(r, limits))
	}
	if err := r.Err(); err != nil {
		return nil, errors.Wrap(err, "decoding effects")
	}
	return effects, nil
}
