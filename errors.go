// Package units executes transactions against the object store: it
// locks working sets, loads objects, runs controller bytecode in the
// sandboxed VM, validates the proposed effects, and applies them
// atomically with per-object proofs and a signed receipt.
package units

import (
	"fmt"

	"github.com/chain/txvm/errors"

	"github.com/unitsproto/units/bc"
	"github.com/unitsproto/units/vm"
)

// An Error carries a stable reason code alongside its message. The
// code lands in receipts and in HTTP responses.
type Error struct {
	Code   bc.Code
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// Errf builds a coded error.
func Errf(code bc.Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// CodeOf maps any error to its reason code. Coded errors keep their
// code; VM ceilings map to resource exhaustion, controller exits to
// controller failure; everything else is a storage failure.
func CodeOf(err error) bc.Code {
	if err == nil {
		return bc.CodeOk
	}
	root := errors.Root(err)
	if coded, ok := root.(*Error); ok {
		return coded.Code
	}
	if vm.IsResourceExhausted(err) {
		return bc.CodeResourceExhausted
	}
	if _, ok := root.(*vm.ControllerError); ok {
		return bc.CodeControllerFailure
	}
	return bc.CodeStorageFailure
}

// ExitCodeOf extracts the guest exit code when err is a controller
// failure, else 0.
func ExitCodeOf(err error) uint32 {
	if cerr, ok := errors.Root(err).(*vm.ControllerError); ok {
		return cerr.ExitCode
	}
	return 0
}
