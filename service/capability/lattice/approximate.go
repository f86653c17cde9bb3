package lattice

import (
	"errors"
	"fmt"
	"github.com/tuneinsight/lattigo/v5/core/rlwe"
	"github.com/tuneinsight/lattigo/v5/he/hefloat"
	"lattigo-worker/service/messages"
	"math"
)

// approximateScheme is fixed-point arithmetic over the reals (CKKS). Every product is rescaled once.
type approximateScheme struct {
	params  hefloat.Parameters
	encoder *hefloat.Encoder
}

func newApproximateScheme(params hefloat.Parameters) *approximateScheme {
	return &approximateScheme{params: params, encoder: hefloat.NewEncoder(params)}
}

func (s *approximateScheme) tag() messages.SchemeType {
	return messages.ApproximateScheme
}

func (s *approximateScheme) rlweParameters() rlwe.Parameters {
	return s.params.Parameters.Parameters
}

func (s *approximateScheme) maxSlots() int {
	return s.params.MaxSlots()
}

func (s *approximateScheme) newCiphertext(degree, level int) *rlwe.Ciphertext {
	return hefloat.NewCiphertext(s.params, degree, level)
}

func (s *approximateScheme) newEvaluator(evk rlwe.EvaluationKeySet) evaluator {
	return hefloat.NewEvaluator(s.params, evk)
}

func (s *approximateScheme) checkCiphertext(ct *rlwe.Ciphertext) error {
	return checkCiphertext(ct, s.params.LogN(), s.params.MaxLevel(), s.params.LogMaxDimensions().Rows)
}

// checkRange bounds magnitudes so that a value at the default scale stays below half of the first prime.
func (s *approximateScheme) checkRange(values []float64) error {
	bound := math.Exp2(float64(s.params.LogQi()[0] - s.params.LogDefaultScale() - 1))
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: value %d is not finite", messages.ErrEncodingRange, i)
		}
		if math.Abs(v) > bound {
			return fmt.Errorf("%w: |value %d| = %v exceeds %v", messages.ErrEncodingRange, i, math.Abs(v), bound)
		}
	}
	return nil
}

// encode places values at the level of target. Addends take the scale of target, factors take the scale
// of the prime removed by the following rescale, so the product keeps the scale of target.
func (s *approximateScheme) encode(values []float64, target *rlwe.Ciphertext, forMul bool) (*rlwe.Plaintext, error) {
	level := s.params.MaxLevel()
	if target != nil {
		level = target.Level()
	}
	pt := hefloat.NewPlaintext(s.params, level)
	if target != nil {
		if forMul {
			pt.Scale = rlwe.NewScale(s.params.Q()[level])
		} else {
			pt.Scale = target.Scale
		}
	}
	if err := s.encoder.Encode(values, pt); err != nil {
		return nil, errors.New("could not encode: " + err.Error())
	}
	return pt, nil
}

func (s *approximateScheme) reencodes() bool {
	return true
}

func (s *approximateScheme) afterMultiply(eval evaluator, ct *rlwe.Ciphertext) error {
	e, ok := eval.(*hefloat.Evaluator)
	if !ok {
		return fmt.Errorf("unexpected evaluator %T", eval)
	}
	if ct.Level() == 0 {
		return fmt.Errorf("%w: no level left to rescale the product", messages.ErrEncodingRange)
	}
	if err := e.Rescale(ct, ct); err != nil {
		return errors.New("could not rescale: " + err.Error())
	}
	return nil
}

func (s *approximateScheme) rotate(eval evaluator, ct *rlwe.Ciphertext, k int) (*rlwe.Ciphertext, error) {
	e, ok := eval.(*hefloat.Evaluator)
	if !ok {
		return nil, fmt.Errorf("unexpected evaluator %T", eval)
	}
	return e.RotateNew(ct, k)
}
