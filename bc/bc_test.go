package bc

import (
	"bytes"
	"testing"
)

func testId(b byte) Id {
	var id Id
	for i := range id {
		id[i] = b
	}
	return id
}

func testTx() *Transaction {
	tx := &Transaction{
		Instructions: []Instruction{{
			ControllerID:   testId(1),
			TargetFunction: "transfer",
			Targets:        []Id{testId(2), testId(3)},
			Params:         []byte{0x90, 0x01, 0x00, 0x00},
		}},
		Slot:      7,
		Timestamp: 1234567890,
	}
	tx.Hash = TxID(tx.Instructions, tx.Slot)
	return tx
}

func TestTransactionRoundTrip(t *testing.T) {
	tx := testTx()
	bits := tx.Encode()
	got, err := DecodeTransaction(bits, DefaultLimits())
	if err != nil {
		t.Fatalf("decoding transaction: %s", err)
	}
	if !bytes.Equal(got.Encode(), bits) {
		t.Errorf("transaction did not round-trip")
	}
	if got.Hash != tx.Hash {
		t.Errorf("hash mismatch after round-trip")
	}
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	bits := append(testTx().Encode(), 0)
	_, err := DecodeTransaction(bits, DefaultLimits())
	if err == nil {
		t.Fatal("expected error for trailing bytes")
	}
}

func TestDecodeRejectsTruncation(t *testing.T) {
	bits := testTx().Encode()
	for _, n := range []int{0, 1, 31, len(bits) / 2, len(bits) - 1} {
		if _, err := DecodeTransaction(bits[:n], DefaultLimits()); err == nil {
			t.Errorf("expected error decoding %d-byte prefix", n)
		}
	}
}

func TestDecodeRejectsEmptyTransaction(t *testing.T) {
	tx := &Transaction{Slot: 1}
	if _, err := DecodeTransaction(tx.Encode(), DefaultLimits()); err == nil {
		t.Fatal("expected error for empty instruction list")
	}
}

func TestTargetBounds(t *testing.T) {
	limits := DefaultLimits()

	in := Instruction{ControllerID: testId(1), TargetFunction: "f"}
	for i := uint32(0); i < limits.MaxTargets; i++ {
		in.Targets = append(in.Targets, testId(byte(i)))
	}
	if _, err := DecodeInstruction(in.Encode(), limits); err != nil {
		t.Fatalf("instruction at the target bound should decode: %s", err)
	}

	in.Targets = append(in.Targets, testId(0xfe))
	if _, err := DecodeInstruction(in.Encode(), limits); err == nil {
		t.Fatal("expected error one past the target bound")
	}
}

func TestObjectRoundTrip(t *testing.T) {
	limits := DefaultLimits()
	objs := []*Object{
		NewDataObject(testId(5), testId(1), []byte("payload")),
		NewDataObject(testId(6), testId(1), nil),
		NewExecutable(testId(7), testId(7), VMRiscV, []byte{0x7f, 'E', 'L', 'F'}),
	}
	for _, o := range objs {
		bits := EncodeObject(o)
		got, err := DecodeObject(bits, limits)
		if err != nil {
			t.Fatalf("decoding object %s: %s", o.ID, err)
		}
		if !got.Equal(o) {
			t.Errorf("object %s did not round-trip", o.ID)
		}
		if !bytes.Equal(EncodeObject(got), bits) {
			t.Errorf("object %s re-encoding differs", o.ID)
		}
	}
}

func TestObjectPayloadBound(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxObjectBytes = 16

	o := NewDataObject(testId(5), testId(1), make([]byte, 16))
	if _, err := DecodeObject(EncodeObject(o), limits); err != nil {
		t.Fatalf("object at the payload bound should decode: %s", err)
	}

	o.Payload = make([]byte, 17)
	if _, err := DecodeObject(EncodeObject(o), limits); err == nil {
		t.Fatal("expected error one past the payload bound")
	}
}

func TestEffectRoundTrip(t *testing.T) {
	limits := DefaultLimits()
	before := NewDataObject(testId(9), testId(1), []byte("old"))
	after := NewDataObject(testId(9), testId(1), []byte("new"))

	effects := []Effect{
		NewCreation(after),
		NewModification(before, after),
		NewDeletion(before),
	}
	bits := EncodeEffects(effects)
	got, err := DecodeEffects(bits, limits)
	if err != nil {
		t.Fatalf("decoding effects: %s", err)
	}
	if !bytes.Equal(EncodeEffects(got), bits) {
		t.Errorf("effects did not round-trip")
	}
}

func TestEffectRejectsDoubleEmpty(t *testing.T) {
	e := Effect{ObjectID: testId(9)}
	if _, err := DecodeEffect(e.Encode(), DefaultLimits()); err == nil {
		t.Fatal("expected error for effect with neither image")
	}
}

func TestEffectNoop(t *testing.T) {
	o := NewDataObject(testId(9), testId(1), []byte("same"))
	e := NewModification(o, o.Clone())
	if !e.IsNoop() {
		t.Error("identical images should be a no-op")
	}
	e = NewModification(o, NewDataObject(testId(9), testId(1), []byte("diff")))
	if e.IsNoop() {
		t.Error("differing images should not be a no-op")
	}
}

func TestTxIDDeterminism(t *testing.T) {
	a, b := testTx(), testTx()
	if TxID(a.Instructions, a.Slot) != TxID(b.Instructions, b.Slot) {
		t.Error("identical transactions must hash identically")
	}
	if TxID(a.Instructions, a.Slot+1) == TxID(b.Instructions, b.Slot) {
		t.Error("slot must be part of the transaction digest")
	}
}

func TestContextRoundTrip(t *testing.T) {
	limits := DefaultLimits()
	ec := &ExecutionContext{
		Instruction: testTx().Instructions[0],
		Objects: []ContextObject{
			{ID: testId(2), Object: NewDataObject(testId(2), testId(1), []byte("tok"))},
			{ID: testId(3)}, // absent
		},
		Slot:      7,
		Timestamp: 99,
	}
	bits := ec.Encode()
	got, err := DecodeExecutionContext(bits, limits)
	if err != nil {
		t.Fatalf("decoding context: %s", err)
	}
	if !bytes.Equal(got.Encode(), bits) {
		t.Errorf("context did not round-trip")
	}
	if got.Objects[1].Object != nil {
		t.Errorf("absent entry should decode as nil")
	}
}

func TestReceiptRoundTripAndDigest(t *testing.T) {
	limits := DefaultLimits()
	after := NewDataObject(testId(9), testId(1), []byte("new"))
	rcp := &Receipt{
		TxHash:    testTx().Hash,
		Slot:      7,
		Timestamp: 99,
		Results: []InstructionResult{{
			Status:  CodeOk,
			Effects: []Effect{NewCreation(after)},
			Proofs: []ObjectProof{{
				ObjectID: testId(9),
				Slot:     7,
				TxHash:   testTx().Hash,
			}},
		}},
	}
	d1 := rcp.Digest()

	bits := rcp.Encode()
	got, err := DecodeReceipt(bits, limits)
	if err != nil {
		t.Fatalf("decoding receipt: %s", err)
	}
	if !bytes.Equal(got.Encode(), bits) {
		t.Errorf("receipt did not round-trip")
	}
	if got.Digest() != d1 {
		t.Errorf("digest changed across round-trip")
	}

	// Signature is excluded from the digest.
	rcp.Sig = []byte("not a real signature")
	if rcp.Digest() != d1 {
		t.Errorf("signature must not affect the digest")
	}
}

func TestSortIds(t *testing.T) {
	ids := []Id{testId(3), testId(1), testId(3), testId(2), testId(1)}
	sorted := SortIds(ids)
	want := []Id{testId(1), testId(2), testId(3)}
	if len(sorted) != len(want) {
		t.Fatalf("got %d ids, want %d", len(sorted), len(want))
	}
	for i := range want {
		if sorted[i] != want[i] {
			t.Errorf("position %d: got %s, want %s", i, sorted[i], want[i])
		}
	}
}
