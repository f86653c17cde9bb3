// Package schema decodes the declarative operation pipeline sent with every chunk.
//
// A pipeline is an ordered list of operations. Each operation combines operands that are either
// references (a chunk column, or the result of an earlier operation) or inline literals.
package schema

import (
	"lattigo-worker/service/messages"
	"strconv"
)

// Kind is the arithmetic operation kind.
type Kind int

const (
	Add Kind = iota + 1
	Subtract
	Multiply
	Exponentiate
)

func (k Kind) String() string {
	switch k {
	case Add:
		return "ADD"
	case Subtract:
		return "SUBTRACT"
	case Multiply:
		return "MULTIPLY"
	case Exponentiate:
		return "EXPONENTIATE"
	default:
		return "Kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// OperandType is the declared shape of an operand or result.
type OperandType int

const (
	None OperandType = iota
	Scalar
	Array
)

func (t OperandType) String() string {
	switch t {
	case Scalar:
		return "scalar"
	case Array:
		return "array"
	default:
		return "none"
	}
}

// FieldRef is a symbolic reference: a chunk column, or the result of an earlier operation.
type FieldRef struct {
	Column   string
	Result   int
	IsResult bool
}

func (f FieldRef) String() string {
	if f.IsResult {
		return "result#" + strconv.Itoa(f.Result)
	}
	return "column:" + f.Column
}

// Operand is one input of an Operation. Exactly one of Field, Values or Ciphertext is set.
type Operand struct {
	Type OperandType

	Field *FieldRef

	// Values holds a raw literal, encoded on first use. A scalar literal has one value.
	Values []float64
	IsRaw  bool
	// Ciphertext holds a schema-supplied, already encrypted literal (base64).
	Ciphertext string

	// Rotate is the lane offset applied to a ciphertext operand before it is combined.
	Rotate int
}

// isArray reports whether the operand is known to span several lanes.
func (o *Operand) isArray() bool {
	return o.Type == Array || len(o.Values) > 1
}

// IsLiteral reports whether the operand is inline rather than a reference.
func (o *Operand) IsLiteral() bool {
	return o.Field == nil
}

type Operation struct {
	Index    int
	Kind     Kind
	Operands []Operand

	// ResultType is the declared shape of the result. The result is always a ciphertext; a scalar
	// declaration is only accepted when no operand is an array.
	ResultType OperandType

	// Exponent is set for Exponentiate only, validated at parse time.
	Exponent uint64
}

// OperationSchema is the typed pipeline. The output of the pipeline is the result of the last operation.
type OperationSchema struct {
	SchemeType messages.SchemeType
	Operations []Operation
}

// Len returns the number of operations.
func (s *OperationSchema) Len() int {
	return len(s.Operations)
}
