package messages

import "errors"

// Error taxonomy. Call sites wrap these with fmt.Errorf("%w: ...") and callers match them with errors.Is.
var (
	ErrSchemaFormat         = errors.New("malformed schema")
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrMissingOperand       = errors.New("missing operand")
	ErrMissingKey           = errors.New("missing key")
	ErrInvalidExponent      = errors.New("invalid exponent")
	ErrEncodingRange        = errors.New("literal out of encoding range")
	ErrSchemeMismatch       = errors.New("scheme mismatch")
	ErrProtocol             = errors.New("protocol error")
	ErrConnection           = errors.New("connection error")
)
