package bc

import "bytes"

// Kind distinguishes plain data objects from executable ones.
type Kind uint8

const (
	// KindData is an object holding opaque payload bytes.
	KindData Kind = 0

	// KindExecutable is an object whose payload is controller
	// bytecode for the VM named by the object's VM tag.
	KindExecutable Kind = 1
)

// VMTag names the virtual machine an executable object targets.
// The tag space is open-ended; new backends register under new tags.
type VMTag uint8

// VMRiscV is the mandatory RISC-V backend tag.
const VMRiscV VMTag = 0

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindExecutable:
		return "executable"
	}
	return "unknown"
}

// An Object is a uniformly addressed blob. Its state changes only
// through effects proposed by its controller and applied by the
// pipeline. ID and ControllerID are immutable for the object's
// lifetime.
type Object struct {
	ID           Id
	ControllerID Id
	Kind         Kind
	VM           VMTag
	Payload      []byte
}

// NewDataObject constructs a data object.
func NewDataObject(id, controller Id, payload []byte) *Object {
	return &Object{ID: id, ControllerID: controller, Kind: KindData, Payload: payload}
}

// NewExecutable constructs an executable object carrying bytecode for
// the given VM.
func NewExecutable(id, controller Id, vm VMTag, bytecode []byte) *Object {
	return &Object{ID: id, ControllerID: controller, Kind: KindExecutable, VM: vm, Payload: bytecode}
}

// Clone returns a deep copy of o, or nil for nil.
func (o *Object) Clone() *Object {
	if o == nil {
		return nil
	}
	dup := *o
	dup.Payload = append([]byte(nil), o.Payload...)
	return &dup
}

// Equal reports whether two objects are byte-equal under the
// canonical encoding. Either side may be nil.
func (o *Object) Equal(other *Object) bool {
	if o == nil || other == nil {
		return o == nil && other == nil
	}
	return o.ID == other.ID &&
		o.ControllerID == other.ControllerID &&
		o.Kind == other.Kind &&
		o.VM == other.VM &&
		bytes.Equal(o.Payload, other.Payload)
}
