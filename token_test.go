package units

import (
	"context"

	"github.com/unitsproto/units/bc"
	"github.com/unitsproto/units/vm"
)

// A host-side token controller, registered under its own VM tag for
// the end-to-end scenarios. It plays the role a compiled guest plays
// in production: pure function from execution context to proposed
// effects, failures expressed as controller exits.

const (
	tagToken  bc.VMTag = 1
	tagScript bc.VMTag = 2
)

// token controller exit codes
const (
	exitInsufficient  = 100
	exitFrozen        = 101
	exitAlreadyExists = 102
	exitMissing       = 103
	exitBadRequest    = 104
)

type tokenState struct {
	Supply   uint64
	Decimals byte
	Frozen   bool
	Name     string
	Symbol   string
}

func encodeToken(ts tokenState) []byte {
	w := bc.NewWriter()
	w.U64(ts.Supply)
	w.Byte(ts.Decimals)
	if ts.Frozen {
		w.Byte(1)
	} else {
		w.Byte(0)
	}
	w.String(ts.Name)
	w.String(ts.Symbol)
	return w.Bytes()
}

func decodeToken(b []byte) (ts tokenState, err error) {
	r := bc.NewReader(b)
	ts.Supply = r.U64()
	ts.Decimals = r.Byte()
	ts.Frozen = r.Byte() == 1
	ts.Name = r.String(256)
	ts.Symbol = r.String(256)
	return ts, r.Finish()
}

type balanceState struct {
	Token  bc.Id
	Amount uint64
}

func encodeBalance(bs balanceState) []byte {
	w := bc.NewWriter()
	w.Id(bs.Token)
	w.U64(bs.Amount)
	return w.Bytes()
}

func decodeBalance(b []byte) (bs balanceState, err error) {
	r := bc.NewReader(b)
	bs.Token = r.Id()
	bs.Amount = r.U64()
	return bs, r.Finish()
}

type tokenExec struct{}

func exit(code uint32) error {
	return &vm.ControllerError{ExitCode: code}
}

func (tokenExec) Execute(_ context.Context, _ []byte, ectx *bc.ExecutionContext, _ bc.Limits) ([]bc.Effect, error) {
	ctrl := ectx.Instruction.ControllerID
	switch ectx.Instruction.TargetFunction {
	case "tokenize":
		return tokenize(ctrl, ectx)
	case "transfer":
		return transfer(ctrl, ectx)
	case "freeze":
		return setFrozen(ctrl, ectx, true)
	case "thaw":
		return setFrozen(ctrl, ectx, false)
	}
	return nil, exit(exitBadRequest)
}

func tokenize(ctrl bc.Id, ectx *bc.ExecutionContext) ([]bc.Effect, error) {
	if len(ectx.Objects) != 2 {
		return nil, exit(exitBadRequest)
	}
	tokenSlot, balSlot := ectx.Objects[0], ectx.Objects[1]
	if tokenSlot.Object != nil || balSlot.Object != nil {
		return nil, exit(exitAlreadyExists)
	}

	r := bc.NewReader(ectx.Instruction.Params)
	supply := r.U64()
	decimals := r.Byte()
	name := r.String(256)
	symbol := r.String(256)
	if r.Finish() != nil {
		return nil, exit(exitBadRequest)
	}

	token := bc.NewDataObject(tokenSlot.ID, ctrl, encodeToken(tokenState{
		Supply:   supply,
		Decimals: decimals,
		Name:     name,
		Symbol:   symbol,
	}))
	bal := bc.NewDataObject(balSlot.ID, ctrl, encodeBalance(balanceState{
		Token:  tokenSlot.ID,
		Amount: supply,
	}))
	return []bc.Effect{bc.NewCreation(token), bc.NewCreation(bal)}, nil
}

func transfer(ctrl bc.Id, ectx *bc.ExecutionContext) ([]bc.Effect, error) {
	if len(ectx.Objects) != 3 {
		return nil, exit(exitBadRequest)
	}
	tokenSlot, from, to := ectx.Objects[0], ectx.Objects[1], ectx.Objects[2]
	if tokenSlot.Object == nil || from.Object == nil {
		return nil, exit(exitMissing)
	}
	ts, err := decodeToken(tokenSlot.Object.Payload)
	if err != nil {
		return nil, exit(exitBadRequest)
	}
	if ts.Frozen {
		return nil, exit(exitFrozen)
	}

	r := bc.NewReader(ectx.Instruction.Params)
	amount := r.U64()
	if r.Finish() != nil {
		return nil, exit(exitBadRequest)
	}

	fromBal, err := decodeBalance(from.Object.Payload)
	if err != nil || fromBal.Token != tokenSlot.ID {
		return nil, exit(exitBadRequest)
	}
	if fromBal.Amount < amount {
		return nil, exit(exitInsufficient)
	}

	debited := from.Object.Clone()
	debited.Payload = encodeBalance(balanceState{Token: tokenSlot.ID, Amount: fromBal.Amount - amount})
	effects := []bc.Effect{bc.NewModification(from.Object, debited)}

	if to.Object == nil {
		credited := bc.NewDataObject(to.ID, ctrl, encodeBalance(balanceState{Token: tokenSlot.ID, Amount: amount}))
		effects = append(effects, bc.NewCreation(credited))
	} else {
		toBal, err := decodeBalance(to.Object.Payload)
		if err != nil || toBal.Token != tokenSlot.ID {
			return nil, exit(exitBadRequest)
		}
		credited := to.Object.Clone()
		credited.Payload = encodeBalance(balanceState{Token: tokenSlot.ID, Amount: toBal.Amount + amount})
		effects = append(effects, bc.NewModification(to.Object, credited))
	}
	return effects, nil
}

func setFrozen(ctrl bc.Id, ectx *bc.ExecutionContext, frozen bool) ([]bc.Effect, error) {
	if len(ectx.Objects) < 1 || ectx.Objects[0].Object == nil {
		return nil, exit(exitMissing)
	}
	cur := ectx.Objects[0].Object
	ts, err := decodeToken(cur.Payload)
	if err != nil {
		return nil, exit(exitBadRequest)
	}
	ts.Frozen = frozen
	next := cur.Clone()
	next.Payload = encodeToken(ts)
	return []bc.Effect{bc.NewModification(cur, next)}, nil
}

// scriptExec returns canned effects, for driving the validator into
// specific corners.
type scriptExec struct {
	fn func(*bc.ExecutionContext) ([]bc.Effect, error)
}

func (s scriptExec) Execute(_ context.Context, _ []byte, ectx *bc.ExecutionContext, _ bc.Limits) ([]bc.Effect, error) {
	return s.fn(ectx)
}
