package lattice

import (
	"errors"
	"fmt"
	"github.com/tuneinsight/lattigo/v5/core/rlwe"
	"github.com/tuneinsight/lattigo/v5/he/heint"
	"lattigo-worker/service/messages"
	"math"
)

// integerScheme is exact batched arithmetic modulo the plaintext modulus (BGV).
type integerScheme struct {
	params  heint.Parameters
	encoder *heint.Encoder
}

func newIntegerScheme(params heint.Parameters) *integerScheme {
	return &integerScheme{params: params, encoder: heint.NewEncoder(params)}
}

func (s *integerScheme) tag() messages.SchemeType {
	return messages.IntegerScheme
}

func (s *integerScheme) rlweParameters() rlwe.Parameters {
	return s.params.Parameters.Parameters
}

func (s *integerScheme) maxSlots() int {
	return s.params.MaxSlots()
}

func (s *integerScheme) newCiphertext(degree, level int) *rlwe.Ciphertext {
	return heint.NewCiphertext(s.params, degree, level)
}

func (s *integerScheme) newEvaluator(evk rlwe.EvaluationKeySet) evaluator {
	return heint.NewEvaluator(s.params, evk)
}

func (s *integerScheme) checkCiphertext(ct *rlwe.Ciphertext) error {
	return checkCiphertext(ct, s.params.LogN(), s.params.MaxLevel(), s.params.LogMaxDimensions().Rows)
}

// checkRange accepts integers in [-(t-1)/2, t-1].
func (s *integerScheme) checkRange(values []float64) error {
	t := float64(s.params.PlaintextModulus())
	lo, hi := -math.Floor((t-1)/2), t-1
	for i, v := range values {
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: value %d (%v) is not an integer", messages.ErrEncodingRange, i, v)
		}
		if v < lo || v > hi {
			return fmt.Errorf("%w: value %d (%v) is outside [%v, %v]", messages.ErrEncodingRange, i, v, lo, hi)
		}
	}
	return nil
}

func (s *integerScheme) encode(values []float64, target *rlwe.Ciphertext, forMul bool) (*rlwe.Plaintext, error) {
	level := s.params.MaxLevel()
	if target != nil {
		level = target.Level()
	}
	coeffs := make([]int64, len(values))
	for i, v := range values {
		coeffs[i] = int64(v)
	}
	pt := heint.NewPlaintext(s.params, level)
	if err := s.encoder.Encode(coeffs, pt); err != nil {
		return nil, errors.New("could not encode: " + err.Error())
	}
	return pt, nil
}

// BGV tracks plaintext scales itself.
func (s *integerScheme) reencodes() bool {
	return false
}

func (s *integerScheme) afterMultiply(evaluator, *rlwe.Ciphertext) error {
	return nil
}

func (s *integerScheme) rotate(eval evaluator, ct *rlwe.Ciphertext, k int) (*rlwe.Ciphertext, error) {
	e, ok := eval.(*heint.Evaluator)
	if !ok {
		return nil, fmt.Errorf("unexpected evaluator %T", eval)
	}
	return e.RotateColumnsNew(ct, k)
}

func checkCiphertext(ct *rlwe.Ciphertext, logN, maxLevel, rows int) error {
	if ct.MetaData == nil {
		return fmt.Errorf("%w: ciphertext has no metadata", messages.ErrSchemeMismatch)
	}
	if ct.LogN() != logN {
		return fmt.Errorf("%w: ciphertext has LogN=%d, want %d", messages.ErrSchemeMismatch, ct.LogN(), logN)
	}
	if ct.Level() > maxLevel {
		return fmt.Errorf("%w: ciphertext level %d exceeds %d", messages.ErrSchemeMismatch, ct.Level(), maxLevel)
	}
	if ct.LogDimensions.Rows != rows {
		return fmt.Errorf("%w: ciphertext is not batched for this scheme", messages.ErrSchemeMismatch)
	}
	return nil
}
