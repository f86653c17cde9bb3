// Package capability defines the homomorphic-encryption primitives the worker consumes.
//
// A Backend creates one Context per chunk. Every value produced through a Context is an opaque Handle
// owned by that Context; the caller releases handles and closes the Context when the chunk is done.
// The worker never decrypts and never generates keys: a Context only ever sees public key material.
package capability

import "lattigo-worker/service/messages"

// Kind distinguishes the two operand value variants.
type Kind int

const (
	Ciphertext Kind = iota + 1
	Plaintext
)

func (k Kind) String() string {
	if k == Ciphertext {
		return "ciphertext"
	}
	return "plaintext"
}

// Handle is an opaque cryptographic value, tagged with the scheme it was created under.
type Handle interface {
	Kind() Kind
	Scheme() messages.SchemeType
}

// Backend selects the scheme implementation once per chunk.
type Backend interface {
	Initialize(scheme messages.SchemeType) (Context, error)
}

// Context is the per-chunk cryptographic context.
//
// Binary operations take their first argument as the ciphertext they extend, except Subtract which
// computes a - b with either side possibly a plaintext. None of the operations consumes its inputs.
// Multiply never relinearizes: a ciphertext x ciphertext product must be passed to Relinearize.
// Errors wrap messages.ErrMissingKey, messages.ErrEncodingRange and messages.ErrSchemeMismatch where
// they apply.
type Context interface {
	Scheme() messages.SchemeType

	LoadPublicKey(data []byte) error
	LoadGaloisKeys(data []byte) error
	LoadRelinKeys(data []byte) error
	HasGaloisKeys() bool
	HasRelinKeys() bool

	// Encode encodes values into a plaintext spanning lanes slots. A single value is replicated on
	// every lane.
	Encode(values []float64, lanes int) (Handle, error)
	LoadCiphertext(b64 string) (Handle, error)
	// Encrypt encrypts a plaintext under the public key.
	Encrypt(pt Handle) (Handle, error)

	Add(a, b Handle) (Handle, error)
	Subtract(a, b Handle) (Handle, error)
	Multiply(a, b Handle) (Handle, error)
	Relinearize(ct Handle) (Handle, error)
	Rotate(ct Handle, k int) (Handle, error)

	Serialize(h Handle) (string, error)
	Release(h Handle) error
	// Close drops the key material. Handles must be released before.
	Close() error
}
