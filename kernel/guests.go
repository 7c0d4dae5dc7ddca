package kernel

import "github.com/unitsproto/units/vm"

// Reference controllers. They double as executable documentation of
// the framework and as fixtures for the executor and pipeline tests.

// EmptyController halts cleanly with no effects.
func EmptyController() []byte {
	b := NewBuilder()
	Prologue(b)
	b.LoadImm(RegT0, vm.OutputAddr)
	b.Sw(RegT0, RegZero, 0) // count = 0
	Halt(b, 0)
	return EmitELF(b.MustBuild(), CodeAddr)
}

// FailingController halts with the given non-zero exit code.
func FailingController(code uint32) []byte {
	b := NewBuilder()
	Prologue(b)
	Halt(b, code)
	return EmitELF(b.MustBuild(), CodeAddr)
}

// SpinController never halts; it exists to exercise the instruction
// ceiling.
func SpinController() []byte {
	b := NewBuilder()
	Prologue(b)
	b.Label("spin")
	b.Jal(RegZero, "spin")
	return EmitELF(b.MustBuild(), CodeAddr)
}

// TrapController executes an illegal instruction.
func TrapController() []byte {
	b := NewBuilder()
	Prologue(b)
	b.Word(0xffffffff)
	return EmitELF(b.MustBuild(), CodeAddr)
}

// PanickingController dispatches with an empty handler table, so
// every invocation takes the panic path.
func PanickingController() []byte {
	b := NewBuilder()
	Prologue(b)
	EmitDispatch(b, nil)
	PanicHandler(b)
	return EmitELF(b.MustBuild(), CodeAddr)
}

// CreateController handles the function "create": it proposes the
// creation of its single target as a data object owned by the
// executing controller, with the instruction params as payload. Any
// other function, or a working set that is not exactly one target,
// panics.
//
// Context layout with a 6-byte function name: controller id at +0,
// name length at +32, name at +36, target count at +42, the target
// id at +46, params length at +78, params at +82.
func CreateController() []byte {
	b := NewBuilder()
	Prologue(b)
	EmitDispatch(b, []struct {
		Name  string
		Label string
	}{
		{Name: "create", Label: "create"},
	})
	PanicHandler(b)

	b.Label("create")
	b.LoadImm(RegA1, ContextBase)

	// require exactly one target
	b.Lw(RegT0, RegA1, 42)
	b.Addi(RegT1, RegZero, 1)
	b.Bne(RegT0, RegT1, "panic")

	b.LoadImm(RegS1, vm.OutputAddr)
	b.Addi(RegT0, RegZero, 1)
	b.Sw(RegS1, RegT0, 0) // one effect

	// effect.object_id = target id
	b.Addi(RegA0, RegS1, 4)
	b.Addi(RegA2, RegA1, 46)
	b.Addi(RegT2, RegZero, 32)
	EmitCopy(b, RegA0, RegA2, RegT2, "oid")

	b.Sb(RegS1, RegZero, 36) // before: absent
	b.Addi(RegT0, RegZero, 1)
	b.Sb(RegS1, RegT0, 37) // after: present

	// after.id = target id
	b.Addi(RegA0, RegS1, 38)
	b.Addi(RegA2, RegA1, 46)
	b.Addi(RegT2, RegZero, 32)
	EmitCopy(b, RegA0, RegA2, RegT2, "aid")

	// after.controller_id = executing controller
	b.Addi(RegA0, RegS1, 70)
	b.Addi(RegA2, RegA1, 0)
	b.Addi(RegT2, RegZero, 32)
	EmitCopy(b, RegA0, RegA2, RegT2, "actl")

	b.Sb(RegS1, RegZero, 102) // kind: data
	b.Sb(RegS1, RegZero, 103) // no vm tag

	// payload = params
	b.Lw(RegT0, RegA1, 78)
	b.Sw(RegS1, RegT0, 104)
	b.Addi(RegA0, RegS1, 108)
	b.Addi(RegA2, RegA1, 82)
	b.Lw(RegA3, RegA1, 78)
	EmitCopy(b, RegA0, RegA2, RegA3, "pl")

	Halt(b, 0)
	return EmitELF(b.MustBuild(), CodeAddr)
}
