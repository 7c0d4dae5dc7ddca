package units

import (
	"context"

	"github.com/unitsproto/units/bc"
)

// validateEffects runs the integrity checks over the effect sequence
// one instruction proposed. current resolves an object's present
// state through the transaction's buffered overlay, so effects from
// earlier instructions are visible here. The returned slice has
// no-op effects stripped; any violation fails the whole instruction.
func (p *Pipeline) validateEffects(ctx context.Context, ctrl bc.Id, instr *bc.Instruction, effects []bc.Effect, current func(context.Context, bc.Id) (*bc.Object, error)) ([]bc.Effect, error) {
	loader := p.cfg.LoaderID
	isLoader := ctrl == loader

	targets := make(map[bc.Id]bool, len(instr.Targets))
	for _, t := range instr.Targets {
		targets[t] = true
	}

	seen := make(map[bc.Id]bool, len(effects))
	kept := effects[:0:0]

	for i := range effects {
		e := &effects[i]

		// identity: images carry the effect's object id
		if e.Before != nil && e.Before.ID != e.ObjectID {
			return nil, Errf(bc.CodeValidationFailure, "effect %s: before image names object %s", e.ObjectID, e.Before.ID)
		}
		if e.After != nil && e.After.ID != e.ObjectID {
			return nil, Errf(bc.CodeValidationFailure, "effect %s: after image names object %s", e.ObjectID, e.After.ID)
		}

		// targeting: only the working set may be touched
		if !targets[e.ObjectID] {
			return nil, Errf(bc.CodeValidationFailure, "effect %s: object is not in the instruction targets", e.ObjectID)
		}

		// dedup within one instruction
		if seen[e.ObjectID] {
			return nil, Errf(bc.CodeValidationFailure, "effect %s: duplicate effect for one object", e.ObjectID)
		}
		seen[e.ObjectID] = true

		// ownership: mutations and deletions require the executing
		// controller; creations too, loader excepted
		if e.Before != nil && !e.Before.Equal(e.After) && e.Before.ControllerID != ctrl {
			return nil, Errf(bc.CodeValidationFailure, "effect %s: object is controlled by %s", e.ObjectID, e.Before.ControllerID)
		}
		if e.Before == nil && e.After.ControllerID != ctrl && !isLoader {
			return nil, Errf(bc.CodeValidationFailure, "effect %s: creation for a foreign controller %s", e.ObjectID, e.After.ControllerID)
		}

		// a self-controlled object is reserved for the loader
		// bootstrap
		if e.After != nil && e.After.ID == e.After.ControllerID && e.After.ID != loader {
			return nil, Errf(bc.CodeValidationFailure, "effect %s: object cannot control itself", e.ObjectID)
		}

		// id and controller are immutable
		if e.Before != nil && e.After != nil {
			if e.Before.ID != e.After.ID {
				return nil, Errf(bc.CodeValidationFailure, "effect %s: object id changed", e.ObjectID)
			}
			if e.Before.ControllerID != e.After.ControllerID {
				return nil, Errf(bc.CodeValidationFailure, "effect %s: controller changed", e.ObjectID)
			}
		}

		// image freshness: before must byte-match the present state
		cur, err := current(ctx, e.ObjectID)
		if err != nil {
			return nil, err
		}
		if !cur.Equal(e.Before) {
			return nil, Errf(bc.CodeConflict, "effect %s: stale before image", e.ObjectID)
		}

		if e.After != nil {
			if uint32(len(e.After.Payload)) > p.cfg.MaxObjectBytes {
				return nil, Errf(bc.CodeValidationFailure, "effect %s: payload of %d bytes exceeds the object limit", e.ObjectID, len(e.After.Payload))
			}
			// kind is sticky, loader excepted
			if e.Before != nil && e.Before.Kind != e.After.Kind && !isLoader {
				return nil, Errf(bc.CodeValidationFailure, "effect %s: object kind changed", e.ObjectID)
			}
		}

		if e.IsNoop() {
			continue
		}
		kept = append(kept, *e)
	}
	return kept, nil
}
