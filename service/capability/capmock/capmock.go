// Package capmock is an instrumented in-memory capability.Backend for tests.
//
// Ciphertexts hold their slot values in the clear, so pipelines can be checked against plain arithmetic.
// The mock counts allocations and releases, and rejects what a lattice backend would reject: foreign or
// released handles, operations on unrelinearized products, rotations without Galois keys.
package capmock

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"lattigo-worker/service/capability"
	"lattigo-worker/service/messages"
	"math"
	"sync"
)

const DefaultSlots = 8

// Handle is a mock plaintext or ciphertext.
type Handle struct {
	kind   capability.Kind
	scheme messages.SchemeType
	owner  *Context

	Values []float64
	Degree int

	released bool
}

func (h *Handle) Kind() capability.Kind { return h.kind }
func (h *Handle) Scheme() messages.SchemeType { return h.scheme }

// Backend creates mock contexts and keeps them for inspection.
type Backend struct {
	Slots int
	// FailInitialize, when set, is returned by Initialize.
	FailInitialize error
	// PanicOn names a Context method ("Add", "Multiply", ...) that panics in every new context.
	PanicOn string
	// FailSerialize and FailClose, when set, are returned by Serialize and Close.
	FailSerialize error
	FailClose     error

	mutex    sync.Mutex
	contexts []*Context
}

func NewBackend() *Backend {
	return &Backend{Slots: DefaultSlots}
}

func (b *Backend) Initialize(scheme messages.SchemeType) (capability.Context, error) {
	if b.FailInitialize != nil {
		return nil, b.FailInitialize
	}
	if scheme != messages.IntegerScheme && scheme != messages.ApproximateScheme {
		return nil, fmt.Errorf("%w: cannot initialize scheme %v", messages.ErrSchemeMismatch, scheme)
	}
	slots := b.Slots
	if slots <= 0 {
		slots = DefaultSlots
	}
	c := &Context{
		scheme:        scheme,
		slots:         slots,
		live:          make(map[*Handle]bool),
		panicOn:       b.PanicOn,
		failSerialize: b.FailSerialize,
		failClose:     b.FailClose,
	}

	b.mutex.Lock()
	b.contexts = append(b.contexts, c)
	b.mutex.Unlock()
	return c, nil
}

// Contexts returns every context created so far.
func (b *Backend) Contexts() []*Context {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return append([]*Context{}, b.contexts...)
}

// Last returns the most recent context, or nil.
func (b *Backend) Last() *Context {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if len(b.contexts) == 0 {
		return nil
	}
	return b.contexts[len(b.contexts)-1]
}

// Context is a mock per-chunk context.
type Context struct {
	scheme messages.SchemeType
	slots  int

	hasPK, hasGalois, hasRelin bool

	live map[*Handle]bool

	panicOn       string
	failSerialize error
	failClose     error

	Allocated      int
	Released       int
	DoubleReleases int
	Multiplies     int
	Relinearized   int
	Rotations      int
	Closed         bool
}

// Live returns the number of handles allocated and not yet released.
func (c *Context) Live() int {
	return len(c.live)
}

func (c *Context) Scheme() messages.SchemeType { return c.scheme }

func (c *Context) LoadPublicKey(data []byte) error {
	if len(data) == 0 {
		return errors.New("empty public key")
	}
	c.hasPK = true
	return nil
}

func (c *Context) LoadGaloisKeys(data []byte) error {
	c.hasGalois = len(data) > 0
	return nil
}

func (c *Context) LoadRelinKeys(data []byte) error {
	c.hasRelin = len(data) > 0
	return nil
}

func (c *Context) HasGaloisKeys() bool { return c.hasGalois }
func (c *Context) HasRelinKeys() bool { return c.hasRelin }

func (c *Context) hook(method string) {
	if c.panicOn == method {
		panic("capmock: " + method + " panicked")
	}
}

func (c *Context) alloc(kind capability.Kind, values []float64, degree int) *Handle {
	h := &Handle{kind: kind, scheme: c.scheme, owner: c, Values: values, Degree: degree}
	c.live[h] = true
	c.Allocated++
	return h
}

func (c *Context) get(hs ...capability.Handle) ([]*Handle, error) {
	if c.Closed {
		return nil, errors.New("context is closed")
	}
	out := make([]*Handle, len(hs))
	for i, h := range hs {
		mh, ok := h.(*Handle)
		if !ok || mh == nil || mh.owner != c {
			return nil, fmt.Errorf("%w: foreign handle", messages.ErrSchemeMismatch)
		}
		if mh.released {
			return nil, errors.New("use of a released handle")
		}
		if mh.Degree > 1 {
			return nil, errors.New("ciphertext must be relinearized first")
		}
		out[i] = mh
	}
	return out, nil
}

func (c *Context) checkRange(values []float64) error {
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: value %d is not finite", messages.ErrEncodingRange, i)
		}
		if c.scheme == messages.IntegerScheme && v != math.Trunc(v) {
			return fmt.Errorf("%w: value %d (%v) is not an integer", messages.ErrEncodingRange, i, v)
		}
	}
	return nil
}

func (c *Context) Encode(values []float64, lanes int) (capability.Handle, error) {
	c.hook("Encode")
	if lanes <= 0 {
		lanes = c.slots
	}
	if lanes > c.slots || len(values) > c.slots || len(values) == 0 {
		return nil, fmt.Errorf("%w: %d values on %d lanes, %d slots", messages.ErrEncodingRange, len(values), lanes, c.slots)
	}
	if err := c.checkRange(values); err != nil {
		return nil, err
	}
	slots := make([]float64, c.slots)
	if len(values) == 1 {
		for i := 0; i < lanes; i++ {
			slots[i] = values[0]
		}
	} else {
		copy(slots, values)
	}
	return c.alloc(capability.Plaintext, slots, 0), nil
}

// EncryptValues returns the serialized form of a ciphertext holding values, as LoadCiphertext reads it.
func EncryptValues(values []float64) string {
	data, _ := json.Marshal(values)
	return base64.StdEncoding.EncodeToString(data)
}

// DecryptValues is the inverse of EncryptValues.
func DecryptValues(b64 string) ([]float64, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	var values []float64
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, err
	}
	return values, nil
}

func (c *Context) LoadCiphertext(b64 string) (capability.Handle, error) {
	values, err := DecryptValues(b64)
	if err != nil {
		return nil, errors.New("could not decode ciphertext: " + err.Error())
	}
	if len(values) > c.slots {
		return nil, fmt.Errorf("%w: ciphertext has %d slots, want %d", messages.ErrSchemeMismatch, len(values), c.slots)
	}
	slots := make([]float64, c.slots)
	copy(slots, values)
	return c.alloc(capability.Ciphertext, slots, 1), nil
}

func (c *Context) Encrypt(pt capability.Handle) (capability.Handle, error) {
	hs, err := c.get(pt)
	if err != nil {
		return nil, err
	}
	if hs[0].kind != capability.Plaintext {
		return nil, errors.New("only plaintexts can be encrypted")
	}
	if !c.hasPK {
		return nil, fmt.Errorf("%w: no public key loaded", messages.ErrMissingKey)
	}
	return c.alloc(capability.Ciphertext, append([]float64{}, hs[0].Values...), 1), nil
}

func (c *Context) binary(a, b capability.Handle, f func(x, y float64) float64, needCiphertextFirst bool) (*Handle, []*Handle, error) {
	hs, err := c.get(a, b)
	if err != nil {
		return nil, nil, err
	}
	if needCiphertextFirst && hs[0].kind != capability.Ciphertext {
		return nil, nil, errors.New("first operand must be a ciphertext")
	}
	if hs[0].kind != capability.Ciphertext && hs[1].kind != capability.Ciphertext {
		return nil, nil, errors.New("at least one operand must be a ciphertext")
	}
	values := make([]float64, c.slots)
	for i := range values {
		values[i] = f(hs[0].Values[i], hs[1].Values[i])
	}
	return c.alloc(capability.Ciphertext, values, 1), hs, nil
}

func (c *Context) Add(a, b capability.Handle) (capability.Handle, error) {
	c.hook("Add")
	h, _, err := c.binary(a, b, func(x, y float64) float64 { return x + y }, true)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (c *Context) Subtract(a, b capability.Handle) (capability.Handle, error) {
	c.hook("Subtract")
	h, _, err := c.binary(a, b, func(x, y float64) float64 { return x - y }, false)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (c *Context) Multiply(a, b capability.Handle) (capability.Handle, error) {
	c.hook("Multiply")
	h, hs, err := c.binary(a, b, func(x, y float64) float64 { return x * y }, true)
	if err != nil {
		return nil, err
	}
	c.Multiplies++
	if hs[1].kind == capability.Ciphertext {
		h.Degree = 2
	}
	return h, nil
}

func (c *Context) Relinearize(ct capability.Handle) (capability.Handle, error) {
	c.hook("Relinearize")
	if c.Closed {
		return nil, errors.New("context is closed")
	}
	mh, ok := ct.(*Handle)
	if !ok || mh == nil || mh.owner != c || mh.released {
		return nil, errors.New("invalid handle")
	}
	if !c.hasRelin {
		return nil, fmt.Errorf("%w: no relinearization key loaded", messages.ErrMissingKey)
	}
	c.Relinearized++
	return c.alloc(capability.Ciphertext, append([]float64{}, mh.Values...), 1), nil
}

// Rotate shifts lanes to the left by k, cyclically.
func (c *Context) Rotate(ct capability.Handle, k int) (capability.Handle, error) {
	c.hook("Rotate")
	hs, err := c.get(ct)
	if err != nil {
		return nil, err
	}
	if hs[0].kind != capability.Ciphertext {
		return nil, errors.New("only ciphertexts can be rotated")
	}
	if !c.hasGalois {
		return nil, fmt.Errorf("%w: no galois keys loaded", messages.ErrMissingKey)
	}
	c.Rotations++
	n := c.slots
	values := make([]float64, n)
	for i := range values {
		values[i] = hs[0].Values[((i+k)%n+n)%n]
	}
	return c.alloc(capability.Ciphertext, values, 1), nil
}

func (c *Context) Serialize(h capability.Handle) (string, error) {
	c.hook("Serialize")
	hs, err := c.get(h)
	if err != nil {
		return "", err
	}
	if hs[0].kind != capability.Ciphertext {
		return "", errors.New("only ciphertexts can be serialized")
	}
	if c.failSerialize != nil {
		return "", c.failSerialize
	}
	return EncryptValues(hs[0].Values), nil
}

func (c *Context) Release(h capability.Handle) error {
	mh, ok := h.(*Handle)
	if !ok || mh == nil || mh.owner != c {
		return errors.New("cannot release a foreign handle")
	}
	if mh.released {
		c.DoubleReleases++
		return errors.New("handle released twice")
	}
	mh.released = true
	delete(c.live, mh)
	c.Released++
	return nil
}

func (c *Context) Close() error {
	c.Closed = true
	return c.failClose
}
