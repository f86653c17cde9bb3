package lattice

import (
	"encoding/base64"
	"errors"
	"fmt"
	"github.com/tuneinsight/lattigo/v5/core/rlwe"
	"go.dedis.ch/onet/v3/log"
	"lattigo-worker/service/capability"
	"lattigo-worker/service/messages"
)

// evaluator is the part of heint.Evaluator and hefloat.Evaluator the context relies on.
type evaluator interface {
	AddNew(op0 *rlwe.Ciphertext, op1 rlwe.Operand) (*rlwe.Ciphertext, error)
	SubNew(op0 *rlwe.Ciphertext, op1 rlwe.Operand) (*rlwe.Ciphertext, error)
	MulNew(op0 *rlwe.Ciphertext, op1 rlwe.Operand) (*rlwe.Ciphertext, error)
	Relinearize(ctIn *rlwe.Ciphertext, opOut *rlwe.Ciphertext) error
}

// scheme gathers what differs between BGV and CKKS.
type scheme interface {
	tag() messages.SchemeType
	rlweParameters() rlwe.Parameters
	maxSlots() int
	newCiphertext(degree, level int) *rlwe.Ciphertext
	newEvaluator(evk rlwe.EvaluationKeySet) evaluator
	// checkCiphertext reports whether ct was produced under this scheme and parameters.
	checkCiphertext(ct *rlwe.Ciphertext) error
	// checkRange reports whether the values are representable by the encoder.
	checkRange(values []float64) error
	// encode encodes values for use against a ciphertext at the given level. A nil target encodes at the
	// maximum level with the default scale.
	encode(values []float64, target *rlwe.Ciphertext, forMul bool) (*rlwe.Plaintext, error)
	// reencodes reports whether plaintexts must be re-encoded at the ciphertext's level and scale.
	reencodes() bool
	// afterMultiply restores the scale of a product.
	afterMultiply(eval evaluator, ct *rlwe.Ciphertext) error
	rotate(eval evaluator, ct *rlwe.Ciphertext, k int) (*rlwe.Ciphertext, error)
}

type handle struct {
	kind   capability.Kind
	scheme messages.SchemeType

	ct *rlwe.Ciphertext
	pt *rlwe.Plaintext

	// Plaintext source values, kept to re-encode against a ciphertext's level and scale.
	values []float64

	released bool
}

func (h *handle) Kind() capability.Kind { return h.kind }
func (h *handle) Scheme() messages.SchemeType { return h.scheme }

type context struct {
	scheme scheme

	pk     *rlwe.PublicKey
	rlk    *rlwe.RelinearizationKey
	galois map[uint64]*rlwe.GaloisKey

	eval evaluator
	enc  *rlwe.Encryptor

	closed bool
}

func newContext(s scheme) *context {
	return &context{scheme: s, galois: make(map[uint64]*rlwe.GaloisKey)}
}

func (c *context) Scheme() messages.SchemeType {
	return c.scheme.tag()
}

func (c *context) LoadPublicKey(data []byte) error {
	pk := new(rlwe.PublicKey)
	if err := pk.UnmarshalBinary(data); err != nil {
		return errors.New("could not unmarshal public key: " + err.Error())
	}
	if pk.LogN() != c.scheme.rlweParameters().LogN() {
		return fmt.Errorf("%w: public key has LogN=%d, context has LogN=%d",
			messages.ErrSchemeMismatch, pk.LogN(), c.scheme.rlweParameters().LogN())
	}
	c.pk = pk
	c.enc = nil
	return nil
}

func (c *context) LoadRelinKeys(data []byte) error {
	rlk := new(rlwe.RelinearizationKey)
	if err := rlk.UnmarshalBinary(data); err != nil {
		return errors.New("could not unmarshal relinearization key: " + err.Error())
	}
	c.rlk = rlk
	c.eval = nil
	return nil
}

func (c *context) LoadGaloisKeys(data []byte) error {
	gks, err := UnmarshalGaloisKeys(data)
	if err != nil {
		return errors.New("could not load galois keys: " + err.Error())
	}
	for _, gk := range gks {
		c.galois[gk.GaloisElement] = gk
	}
	c.eval = nil
	return nil
}

func (c *context) HasGaloisKeys() bool {
	return len(c.galois) > 0
}

func (c *context) HasRelinKeys() bool {
	return c.rlk != nil
}

func (c *context) evaluator() evaluator {
	if c.eval == nil {
		gks := make([]*rlwe.GaloisKey, 0, len(c.galois))
		for _, gk := range c.galois {
			gks = append(gks, gk)
		}
		c.eval = c.scheme.newEvaluator(rlwe.NewMemEvaluationKeySet(c.rlk, gks...))
	}
	return c.eval
}

func (c *context) check(hs ...capability.Handle) ([]*handle, error) {
	if c.closed {
		return nil, errors.New("context is closed")
	}
	out := make([]*handle, len(hs))
	for i, h := range hs {
		lh, ok := h.(*handle)
		if !ok || lh == nil {
			return nil, fmt.Errorf("%w: foreign handle %T", messages.ErrSchemeMismatch, h)
		}
		if lh.scheme != c.scheme.tag() {
			return nil, fmt.Errorf("%w: %v handle in a %v context", messages.ErrSchemeMismatch, lh.scheme, c.scheme.tag())
		}
		if lh.released {
			return nil, errors.New("use of a released handle")
		}
		out[i] = lh
	}
	return out, nil
}

func (c *context) newCiphertextHandle(ct *rlwe.Ciphertext) *handle {
	return &handle{kind: capability.Ciphertext, scheme: c.scheme.tag(), ct: ct}
}

func (c *context) Encode(values []float64, lanes int) (capability.Handle, error) {
	if c.closed {
		return nil, errors.New("context is closed")
	}
	slots := c.scheme.maxSlots()
	if lanes <= 0 {
		lanes = slots
	}
	if lanes > slots {
		return nil, fmt.Errorf("%w: %d lanes do not fit in %d slots", messages.ErrEncodingRange, lanes, slots)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: nothing to encode", messages.ErrEncodingRange)
	}
	if len(values) > slots {
		return nil, fmt.Errorf("%w: %d values do not fit in %d slots", messages.ErrEncodingRange, len(values), slots)
	}
	if err := c.scheme.checkRange(values); err != nil {
		return nil, err
	}

	expanded := values
	if len(values) == 1 && lanes > 1 {
		expanded = make([]float64, lanes)
		for i := range expanded {
			expanded[i] = values[0]
		}
	}

	pt, err := c.scheme.encode(expanded, nil, false)
	if err != nil {
		return nil, err
	}
	log.Lvl4("Encoded", len(values), "values on", len(expanded), "lanes")
	return &handle{kind: capability.Plaintext, scheme: c.scheme.tag(), pt: pt, values: expanded}, nil
}

func (c *context) LoadCiphertext(b64 string) (capability.Handle, error) {
	if c.closed {
		return nil, errors.New("context is closed")
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, errors.New("could not decode ciphertext: " + err.Error())
	}
	ct := new(rlwe.Ciphertext)
	if err := ct.UnmarshalBinary(data); err != nil {
		return nil, errors.New("could not unmarshal ciphertext: " + err.Error())
	}
	if err := c.scheme.checkCiphertext(ct); err != nil {
		return nil, err
	}
	return c.newCiphertextHandle(ct), nil
}

func (c *context) Encrypt(pt capability.Handle) (capability.Handle, error) {
	hs, err := c.check(pt)
	if err != nil {
		return nil, err
	}
	if hs[0].kind != capability.Plaintext {
		return nil, errors.New("only plaintexts can be encrypted")
	}
	if c.pk == nil {
		return nil, fmt.Errorf("%w: no public key loaded", messages.ErrMissingKey)
	}
	if c.enc == nil {
		c.enc = rlwe.NewEncryptor(c.scheme.rlweParameters(), c.pk)
	}
	ct, err := c.enc.EncryptNew(hs[0].pt)
	if err != nil {
		return nil, errors.New("could not encrypt: " + err.Error())
	}
	return c.newCiphertextHandle(ct), nil
}

// operand returns the lattigo operand for b when combined with the ciphertext a.
func (c *context) operand(a *rlwe.Ciphertext, b *handle, forMul bool) (rlwe.Operand, error) {
	if b.kind == capability.Ciphertext {
		return b.ct, nil
	}
	if !c.scheme.reencodes() {
		return b.pt, nil
	}
	return c.scheme.encode(b.values, a, forMul)
}

func (c *context) Add(a, b capability.Handle) (capability.Handle, error) {
	hs, err := c.check(a, b)
	if err != nil {
		return nil, err
	}
	if hs[0].kind != capability.Ciphertext {
		return nil, errors.New("first addend must be a ciphertext")
	}
	op, err := c.operand(hs[0].ct, hs[1], false)
	if err != nil {
		return nil, err
	}
	ct, err := c.evaluator().AddNew(hs[0].ct, op)
	if err != nil {
		return nil, errors.New("could not add: " + err.Error())
	}
	return c.newCiphertextHandle(ct), nil
}

// Subtract computes a - b. When a is a plaintext the result is -(b - a).
func (c *context) Subtract(a, b capability.Handle) (capability.Handle, error) {
	hs, err := c.check(a, b)
	if err != nil {
		return nil, err
	}
	x, y := hs[0], hs[1]

	switch {
	case x.kind == capability.Ciphertext:
		op, err := c.operand(x.ct, y, false)
		if err != nil {
			return nil, err
		}
		ct, err := c.evaluator().SubNew(x.ct, op)
		if err != nil {
			return nil, errors.New("could not subtract: " + err.Error())
		}
		return c.newCiphertextHandle(ct), nil

	case y.kind == capability.Ciphertext:
		op, err := c.operand(y.ct, x, false)
		if err != nil {
			return nil, err
		}
		ct, err := c.evaluator().SubNew(y.ct, op)
		if err != nil {
			return nil, errors.New("could not subtract: " + err.Error())
		}
		ringQ := c.scheme.rlweParameters().RingQ().AtLevel(ct.Level())
		for i := range ct.Value {
			ringQ.Neg(ct.Value[i], ct.Value[i])
		}
		return c.newCiphertextHandle(ct), nil

	default:
		return nil, errors.New("subtraction needs at least one ciphertext")
	}
}

func (c *context) Multiply(a, b capability.Handle) (capability.Handle, error) {
	hs, err := c.check(a, b)
	if err != nil {
		return nil, err
	}
	if hs[0].kind != capability.Ciphertext {
		return nil, errors.New("first factor must be a ciphertext")
	}
	op, err := c.operand(hs[0].ct, hs[1], true)
	if err != nil {
		return nil, err
	}
	eval := c.evaluator()
	ct, err := eval.MulNew(hs[0].ct, op)
	if err != nil {
		return nil, errors.New("could not multiply: " + err.Error())
	}
	if err := c.scheme.afterMultiply(eval, ct); err != nil {
		return nil, err
	}
	return c.newCiphertextHandle(ct), nil
}

func (c *context) Relinearize(ct capability.Handle) (capability.Handle, error) {
	hs, err := c.check(ct)
	if err != nil {
		return nil, err
	}
	if hs[0].kind != capability.Ciphertext {
		return nil, errors.New("only ciphertexts can be relinearized")
	}
	if c.rlk == nil {
		return nil, fmt.Errorf("%w: no relinearization key loaded", messages.ErrMissingKey)
	}
	in := hs[0].ct
	if in.Degree() < 2 {
		return c.newCiphertextHandle(in.CopyNew()), nil
	}
	out := c.scheme.newCiphertext(1, in.Level())
	if err := c.evaluator().Relinearize(in, out); err != nil {
		return nil, errors.New("could not relinearize: " + err.Error())
	}
	return c.newCiphertextHandle(out), nil
}

func (c *context) Rotate(ct capability.Handle, k int) (capability.Handle, error) {
	hs, err := c.check(ct)
	if err != nil {
		return nil, err
	}
	if hs[0].kind != capability.Ciphertext {
		return nil, errors.New("only ciphertexts can be rotated")
	}
	galEl := c.scheme.rlweParameters().GaloisElement(k)
	if _, ok := c.galois[galEl]; !ok {
		return nil, fmt.Errorf("%w: no galois key for a rotation by %d", messages.ErrMissingKey, k)
	}
	out, err := c.scheme.rotate(c.evaluator(), hs[0].ct, k)
	if err != nil {
		return nil, errors.New("could not rotate: " + err.Error())
	}
	return c.newCiphertextHandle(out), nil
}

func (c *context) Serialize(h capability.Handle) (string, error) {
	hs, err := c.check(h)
	if err != nil {
		return "", err
	}
	if hs[0].kind != capability.Ciphertext {
		return "", errors.New("only ciphertexts can be serialized")
	}
	data, err := hs[0].ct.MarshalBinary()
	if err != nil {
		return "", errors.New("could not marshal ciphertext: " + err.Error())
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func (c *context) Release(h capability.Handle) error {
	lh, ok := h.(*handle)
	if !ok || lh == nil {
		return fmt.Errorf("cannot release foreign handle %T", h)
	}
	if lh.released {
		return errors.New("handle released twice")
	}
	lh.released = true
	lh.ct, lh.pt, lh.values = nil, nil, nil
	return nil
}

func (c *context) Close() error {
	c.closed = true
	c.pk, c.rlk, c.galois = nil, nil, nil
	c.eval, c.enc = nil, nil
	return nil
}
