// Package pipeline evaluates an operation schema over one chunk.
//
// A fresh capability context is created for every chunk. Operands are resolved through an OperandMap,
// operations are run by a Dispatcher, and a Tracker releases every handle and closes the context when
// the evaluation ends, whatever the outcome.
package pipeline

import (
	"fmt"
	"go.dedis.ch/onet/v3/log"
	"lattigo-worker/service/capability"
	"lattigo-worker/service/messages"
	"lattigo-worker/service/schema"
)

// Evaluator runs operation schemas on chunks. It holds no per-chunk state and can be reused.
type Evaluator struct {
	backend capability.Backend
}

//NewEvaluator returns an evaluator creating its contexts from backend.
func NewEvaluator(backend capability.Backend) *Evaluator {
	return &Evaluator{backend: backend}
}

// Evaluate parses the schema of work and evaluates it. It returns the base64 serialization of the
// result of the last operation.
func (e *Evaluator) Evaluate(work *messages.Work) (string, error) {
	if work == nil || work.Chunk == nil {
		return "", fmt.Errorf("%w: no chunk to evaluate", messages.ErrProtocol)
	}
	s, err := schema.Parse(work.Schema)
	if err != nil {
		return "", err
	}
	return e.EvaluateSchema(s, work.Chunk, work.Keys)
}

// EvaluateSchema evaluates an already parsed schema.
func (e *Evaluator) EvaluateSchema(s *schema.OperationSchema, chunk *messages.Chunk, keys *messages.KeyMaterial) (result string, err error) {
	if s.Len() == 0 {
		return "", fmt.Errorf("%w: pipeline has no operations", messages.ErrSchemaFormat)
	}

	ctx, err := e.backend.Initialize(s.SchemeType)
	if err != nil {
		return "", err
	}
	tracker := NewTracker(ctx)
	defer func() {
		if rerr := tracker.ReleaseAll(); rerr != nil {
			log.Error("Chunk", chunk.ID, ": release failed:", rerr)
		}
	}()

	if err := loadKeys(ctx, keys); err != nil {
		return "", err
	}

	operands := NewOperandMap(ctx, tracker, chunk.Length)
	if err := operands.Seed(chunk); err != nil {
		return "", err
	}
	dispatcher := NewDispatcher(ctx, tracker, chunk.Length)

	for i := range s.Operations {
		op := &s.Operations[i]

		values := make([]capability.Handle, len(op.Operands))
		for j := range op.Operands {
			if values[j], err = operands.Resolve(op, j); err != nil {
				return "", err
			}
		}

		res, err := dispatcher.Dispatch(op, values)
		if err != nil {
			return "", fmt.Errorf("%v (operation %d): %w", op.Kind, op.Index, err)
		}
		operands.Store(OperationResult(op.Index), res)
	}

	last, _ := operands.Lookup(OperationResult(s.Len() - 1))
	if result, err = ctx.Serialize(last); err != nil {
		return "", fmt.Errorf("could not serialize result: %w", err)
	}

	log.Lvl2("Chunk", chunk.ID, ": evaluated", s.Len(), "operations,", tracker.Len(), "handles to release")
	return result, nil
}

func loadKeys(ctx capability.Context, keys *messages.KeyMaterial) error {
	if keys == nil || len(keys.PublicKey) == 0 {
		return fmt.Errorf("%w: no public key", messages.ErrMissingKey)
	}
	if err := ctx.LoadPublicKey(keys.PublicKey); err != nil {
		return err
	}
	if len(keys.GaloisKeys) > 0 {
		if err := ctx.LoadGaloisKeys(keys.GaloisKeys); err != nil {
			return err
		}
	}
	if len(keys.RelinKeys) > 0 {
		if err := ctx.LoadRelinKeys(keys.RelinKeys); err != nil {
			return err
		}
	}
	return nil
}
