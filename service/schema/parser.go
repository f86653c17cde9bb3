package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"lattigo-worker/service/messages"
	"math"
	"strconv"
	"strings"
)

// The JSON description of a pipeline:
//
//	{"schemeType": "BFV" | "BGV" | "CKKS",
//	 "operations": [{"type": "MULTIPLY",
//	                 "operands": [{"type": "array", "field": "a"},
//	                              {"type": "scalar", "value": 2, "isRaw": true}],
//	                 "resultType": "array"}]}
//
// A string field references a chunk column, an integer field references the result of an operation.
type wireSchema struct {
	SchemeType string          `json:"schemeType"`
	Operations []wireOperation `json:"operations"`
}

type wireOperation struct {
	Type       string        `json:"type"`
	Operands   []wireOperand `json:"operands"`
	ResultType string        `json:"resultType"`
}

type wireOperand struct {
	Type   string          `json:"type"`
	Field  json.RawMessage `json:"field"`
	Value  json.RawMessage `json:"value"`
	IsRaw  bool            `json:"isRaw"`
	Rotate int             `json:"rotate"`
}

// ParseString parses a pipeline given as a string.
func ParseString(desc string) (*OperationSchema, error) {
	return Parse([]byte(desc))
}

// Parse decodes a pipeline description. It accepts both the schema object and a JSON string holding it.
// Structural problems wrap messages.ErrSchemaFormat, unknown operation kinds wrap
// messages.ErrUnsupportedOperation, bad exponents wrap messages.ErrInvalidExponent.
func Parse(desc []byte) (*OperationSchema, error) {
	desc = bytes.TrimSpace(desc)
	if len(desc) > 0 && desc[0] == '"' {
		var inner string
		if err := json.Unmarshal(desc, &inner); err != nil {
			return nil, fmt.Errorf("%w: %v", messages.ErrSchemaFormat, err)
		}
		desc = bytes.TrimSpace([]byte(inner))
	}

	ws := &wireSchema{}
	dec := json.NewDecoder(bytes.NewReader(desc))
	dec.UseNumber()
	if err := dec.Decode(ws); err != nil {
		return nil, fmt.Errorf("%w: %v", messages.ErrSchemaFormat, err)
	}

	scheme, err := messages.ParseSchemeType(ws.SchemeType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", messages.ErrSchemaFormat, err)
	}
	if len(ws.Operations) == 0 {
		return nil, fmt.Errorf("%w: pipeline has no operations", messages.ErrSchemaFormat)
	}

	s := &OperationSchema{
		SchemeType: scheme,
		Operations: make([]Operation, len(ws.Operations)),
	}
	for i := range ws.Operations {
		op, err := parseOperation(i, &ws.Operations[i])
		if err != nil {
			return nil, err
		}
		s.Operations[i] = *op
	}

	return s, nil
}

func parseKind(name string) (Kind, bool) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "ADD":
		return Add, true
	case "SUBTRACT":
		return Subtract, true
	case "MULTIPLY":
		return Multiply, true
	case "EXPONENTIATE":
		return Exponentiate, true
	}
	return 0, false
}

func parseOperandType(name string) (OperandType, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return None, true
	case "scalar":
		return Scalar, true
	case "array":
		return Array, true
	}
	return None, false
}

func parseOperation(index int, wo *wireOperation) (*Operation, error) {
	kind, ok := parseKind(wo.Type)
	if !ok {
		return nil, fmt.Errorf("%w: operation %d has kind %q", messages.ErrUnsupportedOperation, index, wo.Type)
	}
	resType, ok := parseOperandType(wo.ResultType)
	if !ok {
		return nil, fmt.Errorf("%w: operation %d has result type %q", messages.ErrSchemaFormat, index, wo.ResultType)
	}

	n := len(wo.Operands)
	switch kind {
	case Add, Multiply:
		if n < 2 {
			return nil, fmt.Errorf("%w: %s (operation %d) needs at least 2 operands, got %d",
				messages.ErrSchemaFormat, kind, index, n)
		}
	case Subtract, Exponentiate:
		if n != 2 {
			return nil, fmt.Errorf("%w: %s (operation %d) needs exactly 2 operands, got %d",
				messages.ErrSchemaFormat, kind, index, n)
		}
	}

	op := &Operation{
		Index:      index,
		Kind:       kind,
		Operands:   make([]Operand, n),
		ResultType: resType,
	}

	if kind == Exponentiate {
		exp, err := parseExponent(index, &wo.Operands[1])
		if err != nil {
			return nil, err
		}
		op.Exponent = exp
		// The exponent is public and never becomes an operand value.
		op.Operands = op.Operands[:1]
		n = 1
	}

	for j := 0; j < n; j++ {
		operand, err := parseOperand(index, j, &wo.Operands[j])
		if err != nil {
			return nil, err
		}
		op.Operands[j] = *operand
	}

	if resType == Scalar {
		for j := range op.Operands {
			if op.Operands[j].isArray() {
				return nil, fmt.Errorf("%w: %s (operation %d) declares a scalar result but operand %d is an array",
					messages.ErrSchemaFormat, kind, index, j)
			}
		}
	}

	if kind == Exponentiate && op.Operands[0].IsRaw {
		return nil, fmt.Errorf("%w: base of EXPONENTIATE (operation %d) must be encrypted",
			messages.ErrSchemaFormat, index)
	}

	return op, nil
}

func parseOperand(index, pos int, wo *wireOperand) (*Operand, error) {
	where := fmt.Sprintf("operand %d of operation %d", pos, index)

	typ, ok := parseOperandType(wo.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %s has type %q", messages.ErrSchemaFormat, where, wo.Type)
	}

	hasField := isPresent(wo.Field)
	hasValue := isPresent(wo.Value)
	switch {
	case hasField && hasValue:
		return nil, fmt.Errorf("%w: %s has both a field and a value", messages.ErrSchemaFormat, where)
	case !hasField && !hasValue:
		return nil, fmt.Errorf("%w: %s has neither a field nor a value", messages.ErrSchemaFormat, where)
	}

	operand := &Operand{Type: typ, Rotate: wo.Rotate}

	if hasField {
		ref, err := parseField(wo.Field)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", messages.ErrSchemaFormat, where, err)
		}
		operand.Field = ref
		return operand, nil
	}

	// Inline literal: a base64 ciphertext, or numbers to encode.
	value := bytes.TrimSpace(wo.Value)
	if value[0] == '"' {
		if wo.IsRaw {
			return nil, fmt.Errorf("%w: %s is a raw literal but holds a string", messages.ErrSchemaFormat, where)
		}
		if err := json.Unmarshal(value, &operand.Ciphertext); err != nil || operand.Ciphertext == "" {
			return nil, fmt.Errorf("%w: %s has an invalid ciphertext literal", messages.ErrSchemaFormat, where)
		}
		return operand, nil
	}

	values, isArray, err := parseNumbers(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", messages.ErrSchemaFormat, where, err)
	}
	if typ == Scalar && isArray {
		return nil, fmt.Errorf("%w: %s is declared scalar but holds an array", messages.ErrSchemaFormat, where)
	}
	if wo.Rotate != 0 {
		return nil, fmt.Errorf("%w: %s is a literal and cannot be rotated", messages.ErrSchemaFormat, where)
	}
	operand.Values = values
	operand.IsRaw = true

	return operand, nil
}

func isPresent(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

func parseField(raw json.RawMessage) (*FieldRef, error) {
	raw = bytes.TrimSpace(raw)
	if raw[0] == '"' {
		var name string
		if err := json.Unmarshal(raw, &name); err != nil {
			return nil, err
		}
		if name == "" {
			return nil, fmt.Errorf("empty field name")
		}
		return &FieldRef{Column: name}, nil
	}
	idx, err := strconv.Atoi(string(raw))
	if err != nil || idx < 0 {
		return nil, fmt.Errorf("field %s is neither a column name nor an operation index", string(raw))
	}
	return &FieldRef{Result: idx, IsResult: true}, nil
}

func parseNumbers(raw json.RawMessage) (values []float64, isArray bool, err error) {
	if raw[0] == '[' {
		var nums []json.Number
		if err = json.Unmarshal(raw, &nums); err != nil {
			return nil, true, err
		}
		if len(nums) == 0 {
			return nil, true, fmt.Errorf("empty array literal")
		}
		values = make([]float64, len(nums))
		for i, n := range nums {
			if values[i], err = n.Float64(); err != nil {
				return nil, true, err
			}
		}
		return values, true, nil
	}

	var n json.Number
	if err = json.Unmarshal(raw, &n); err != nil {
		return nil, false, err
	}
	v, err := n.Float64()
	if err != nil {
		return nil, false, err
	}
	return []float64{v}, false, nil
}

// parseExponent validates the public exponent of EXPONENTIATE: an inline, non-negative integer.
func parseExponent(index int, wo *wireOperand) (uint64, error) {
	if isPresent(wo.Field) || !isPresent(wo.Value) {
		return 0, fmt.Errorf("%w: exponent of operation %d must be an inline literal", messages.ErrInvalidExponent, index)
	}

	value := bytes.TrimSpace(wo.Value)
	if value[0] == '"' {
		return 0, fmt.Errorf("%w: exponent of operation %d must be a number", messages.ErrInvalidExponent, index)
	}
	var n json.Number
	if err := json.Unmarshal(value, &n); err != nil {
		return 0, fmt.Errorf("%w: exponent of operation %d is not a number", messages.ErrInvalidExponent, index)
	}
	if exp, err := strconv.ParseUint(n.String(), 10, 64); err == nil {
		return exp, nil
	}

	f, err := n.Float64()
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 || f != math.Trunc(f) || f > (1<<53) {
		return 0, fmt.Errorf("%w: exponent of operation %d is %s, want a non-negative integer",
			messages.ErrInvalidExponent, index, n.String())
	}
	return uint64(f), nil
}
