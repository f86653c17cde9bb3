package pipeline

import (
	"errors"
	"fmt"
	"go.dedis.ch/onet/v3/log"
	"lattigo-worker/service/capability"
	"lattigo-worker/service/messages"
	"lattigo-worker/service/schema"
)

// Operation computes the result of op over its resolved operands.
type Operation func(d *Dispatcher, op *schema.Operation, values []capability.Handle) (capability.Handle, error)

// Dispatcher runs operations on a context. Every handle it produces is registered with the tracker.
type Dispatcher struct {
	ctx     capability.Context
	tracker *Tracker
	lanes   int

	operations map[schema.Kind]Operation
}

func NewDispatcher(ctx capability.Context, tracker *Tracker, lanes int) *Dispatcher {
	return &Dispatcher{
		ctx:     ctx,
		tracker: tracker,
		lanes:   lanes,

		operations: map[schema.Kind]Operation{
			schema.Add:          add,
			schema.Subtract:     subtract,
			schema.Multiply:     multiply,
			schema.Exponentiate: exponentiate,
		},
	}
}

// Dispatch checks the operands against the context scheme, realigns the ones that ask for it, and
// computes op. The result is always a ciphertext.
func (d *Dispatcher) Dispatch(op *schema.Operation, values []capability.Handle) (capability.Handle, error) {
	operation, ok := d.operations[op.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %v", messages.ErrUnsupportedOperation, op.Kind)
	}
	if len(values) != len(op.Operands) {
		return nil, fmt.Errorf("%w: operation %d has %d operands, %d values given",
			messages.ErrSchemaFormat, op.Index, len(op.Operands), len(values))
	}

	aligned := make([]capability.Handle, len(values))
	for i, v := range values {
		if v.Scheme() != d.ctx.Scheme() {
			return nil, fmt.Errorf("%w: operand %d of operation %d is %v, chunk is %v",
				messages.ErrSchemeMismatch, i, op.Index, v.Scheme(), d.ctx.Scheme())
		}
		rotated, err := d.realign(v, op.Operands[i].Rotate)
		if err != nil {
			return nil, fmt.Errorf("operand %d of operation %d: %w", i, op.Index, err)
		}
		aligned[i] = rotated
	}

	log.Lvl3("Dispatching", op.Kind, "(operation", op.Index, ") on", len(aligned), "operands")
	return operation(d, op, aligned)
}

func (d *Dispatcher) realign(v capability.Handle, k int) (capability.Handle, error) {
	if k == 0 {
		return v, nil
	}
	if v.Kind() != capability.Ciphertext {
		return nil, errors.New("only ciphertexts can be realigned")
	}
	if !d.ctx.HasGaloisKeys() {
		return nil, fmt.Errorf("%w: realigning by %d lanes needs galois keys", messages.ErrMissingKey, k)
	}
	r, err := d.ctx.Rotate(v, k)
	if err != nil {
		return nil, err
	}
	return d.tracker.Track(r), nil
}

// ciphertextFirst moves the first ciphertext in front. Only valid for commutative operations.
func ciphertextFirst(values []capability.Handle) []capability.Handle {
	for i, v := range values {
		if v.Kind() == capability.Ciphertext {
			if i == 0 {
				return values
			}
			out := make([]capability.Handle, 0, len(values))
			out = append(out, v)
			out = append(out, values[:i]...)
			return append(out, values[i+1:]...)
		}
	}
	return values
}

func countCiphertexts(values []capability.Handle) int {
	n := 0
	for _, v := range values {
		if v.Kind() == capability.Ciphertext {
			n++
		}
	}
	return n
}

// lift encrypts v when it is a plaintext, so it can lead a combination.
func (d *Dispatcher) lift(v capability.Handle) (capability.Handle, error) {
	if v.Kind() == capability.Ciphertext {
		return v, nil
	}
	ct, err := d.ctx.Encrypt(v)
	if err != nil {
		return nil, err
	}
	return d.tracker.Track(ct), nil
}

// mulRelin multiplies and, for a ciphertext x ciphertext product, relinearizes right away.
func (d *Dispatcher) mulRelin(a, b capability.Handle) (capability.Handle, error) {
	product, err := d.ctx.Multiply(a, b)
	if err != nil {
		return nil, err
	}
	d.tracker.Track(product)
	if b.Kind() != capability.Ciphertext {
		return product, nil
	}

	relin, err := d.ctx.Relinearize(product)
	if err != nil {
		return nil, err
	}
	d.tracker.Track(relin)
	if err := d.tracker.Discard(product); err != nil {
		log.Warn("Could not release product:", err)
	}
	return relin, nil
}

func (d *Dispatcher) requireRelin(what string) error {
	if !d.ctx.HasRelinKeys() {
		return fmt.Errorf("%w: %s needs relinearization keys", messages.ErrMissingKey, what)
	}
	return nil
}

func add(d *Dispatcher, op *schema.Operation, values []capability.Handle) (capability.Handle, error) {
	values = ciphertextFirst(values)
	acc, err := d.lift(values[0])
	if err != nil {
		return nil, err
	}
	for _, v := range values[1:] {
		sum, err := d.ctx.Add(acc, v)
		if err != nil {
			return nil, err
		}
		acc = d.tracker.Track(sum)
	}
	return acc, nil
}

// subtract keeps the given order.
func subtract(d *Dispatcher, op *schema.Operation, values []capability.Handle) (capability.Handle, error) {
	a, b := values[0], values[1]
	if a.Kind() != capability.Ciphertext && b.Kind() != capability.Ciphertext {
		var err error
		if a, err = d.lift(a); err != nil {
			return nil, err
		}
	}
	diff, err := d.ctx.Subtract(a, b)
	if err != nil {
		return nil, err
	}
	return d.tracker.Track(diff), nil
}

func multiply(d *Dispatcher, op *schema.Operation, values []capability.Handle) (capability.Handle, error) {
	if countCiphertexts(values) >= 2 {
		if err := d.requireRelin("a ciphertext x ciphertext product"); err != nil {
			return nil, err
		}
	}
	values = ciphertextFirst(values)
	acc, err := d.lift(values[0])
	if err != nil {
		return nil, err
	}
	for _, v := range values[1:] {
		if acc, err = d.mulRelin(acc, v); err != nil {
			return nil, err
		}
	}
	return acc, nil
}

// exponentiate computes base^e by square-and-multiply. e = 0 gives a fresh encryption of ones.
func exponentiate(d *Dispatcher, op *schema.Operation, values []capability.Handle) (capability.Handle, error) {
	base := values[0]
	if base.Kind() != capability.Ciphertext {
		return nil, fmt.Errorf("%w: base of EXPONENTIATE must be a ciphertext", messages.ErrSchemaFormat)
	}
	if err := d.requireRelin("EXPONENTIATE"); err != nil {
		return nil, err
	}

	e := op.Exponent
	if e == 0 {
		one, err := d.ctx.Encode([]float64{1}, d.lanes)
		if err != nil {
			return nil, err
		}
		d.tracker.Track(one)
		return d.lift(one)
	}

	var result capability.Handle
	var err error
	for ; e > 0; e >>= 1 {
		if e&1 == 1 {
			if result == nil {
				result = base
			} else if result, err = d.mulRelin(result, base); err != nil {
				return nil, err
			}
		}
		if e > 1 {
			if base, err = d.mulRelin(base, base); err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}
