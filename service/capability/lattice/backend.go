// Package lattice implements the worker's capability.Backend on top of lattigo.
//
// The integer-batching scheme is BGV (he/heint) and the approximate scheme is CKKS (he/hefloat).
// The scheme is selected once, in Initialize; every chunk gets a fresh context.
package lattice

import (
	"errors"
	"fmt"
	"github.com/tuneinsight/lattigo/v5/he/hefloat"
	"github.com/tuneinsight/lattigo/v5/he/heint"
	"go.dedis.ch/onet/v3/log"
	"lattigo-worker/service/capability"
	"lattigo-worker/service/messages"
)

// Parameters holds the parameter literals shared with the server, one per scheme.
type Parameters struct {
	Integer     heint.ParametersLiteral
	Approximate hefloat.ParametersLiteral
}

// DefaultParameters returns small parameter sets, usable for tests and local runs.
func DefaultParameters() Parameters {
	return Parameters{
		Integer: heint.ParametersLiteral{
			LogN:             12,
			LogQ:             []int{56, 55, 55},
			LogP:             []int{55},
			PlaintextModulus: 0x10001,
		},
		Approximate: hefloat.ParametersLiteral{
			LogN:            12,
			LogQ:            []int{55, 40, 40, 40},
			LogP:            []int{55},
			LogDefaultScale: 40,
		},
	}
}

type Backend struct {
	integer     heint.Parameters
	approximate hefloat.Parameters
}

// NewBackend validates both parameter literals.
func NewBackend(params Parameters) (*Backend, error) {
	b := &Backend{}
	var err error
	if b.integer, err = heint.NewParametersFromLiteral(params.Integer); err != nil {
		return nil, errors.New("invalid integer scheme parameters: " + err.Error())
	}
	if b.approximate, err = hefloat.NewParametersFromLiteral(params.Approximate); err != nil {
		return nil, errors.New("invalid approximate scheme parameters: " + err.Error())
	}
	return b, nil
}

// NewBackendFromParameters uses already validated parameters, such as those of a key set.
func NewBackendFromParameters(integer heint.Parameters, approximate hefloat.Parameters) *Backend {
	return &Backend{integer: integer, approximate: approximate}
}

// Initialize returns a fresh context for the given scheme. Contexts are never shared between chunks.
func (b *Backend) Initialize(scheme messages.SchemeType) (capability.Context, error) {
	log.Lvl3("Initializing", scheme, "context")

	switch scheme {
	case messages.IntegerScheme:
		return newContext(newIntegerScheme(b.integer)), nil
	case messages.ApproximateScheme:
		return newContext(newApproximateScheme(b.approximate)), nil
	default:
		return nil, fmt.Errorf("%w: cannot initialize scheme %v", messages.ErrSchemeMismatch, scheme)
	}
}
