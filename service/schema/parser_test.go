package schema

import (
	"errors"
	"lattigo-worker/service/messages"
	"testing"
)

func TestParse(t *testing.T) {
	s, err := ParseString(`{"schemeType":"BFV","operations":[
		{"type":"multiply","operands":[{"type":"array","field":"a"},{"type":"scalar","value":2,"isRaw":true}],"resultType":"array"},
		{"type":"SUBTRACT","operands":[{"type":"array","field":0,"rotate":3},{"type":"array","value":[1,2.5]}]},
		{"type":"ADD","operands":[{"field":1},{"value":"Y3Q="}]},
		{"type":"EXPONENTIATE","operands":[{"field":2},{"type":"scalar","value":4}]}]}`)
	if err != nil {
		t.Fatal(err)
	}
	if s.SchemeType != messages.IntegerScheme || s.Len() != 4 {
		t.Fatal("Wrong schema header", s.SchemeType, s.Len())
	}

	mul := s.Operations[0]
	if mul.Kind != Multiply || mul.ResultType != Array || mul.Operands[0].Field.Column != "a" {
		t.Fatal("Wrong first operation", mul)
	}
	if !mul.Operands[1].IsLiteral() || !mul.Operands[1].IsRaw || mul.Operands[1].Values[0] != 2 {
		t.Fatal("Wrong scalar literal", mul.Operands[1])
	}

	sub := s.Operations[1]
	if !sub.Operands[0].Field.IsResult || sub.Operands[0].Field.Result != 0 || sub.Operands[0].Rotate != 3 {
		t.Fatal("Wrong result reference", sub.Operands[0])
	}
	if len(sub.Operands[1].Values) != 2 || sub.Operands[1].Values[1] != 2.5 {
		t.Fatal("Wrong array literal", sub.Operands[1])
	}

	if s.Operations[2].Operands[1].Ciphertext != "Y3Q=" {
		t.Fatal("Wrong ciphertext literal", s.Operations[2].Operands[1])
	}

	exp := s.Operations[3]
	if exp.Exponent != 4 || len(exp.Operands) != 1 {
		t.Fatal("Wrong exponentiation", exp)
	}
}

func TestParseWrappedString(t *testing.T) {
	s, err := Parse([]byte(`"{\"schemeType\":\"CKKS\",\"operations\":[{\"type\":\"ADD\",\"operands\":[{\"field\":\"a\"},{\"field\":\"b\"}]}]}"`))
	if err != nil {
		t.Fatal(err)
	}
	if s.SchemeType != messages.ApproximateScheme {
		t.Fatal("Wrong scheme", s.SchemeType)
	}
}

func TestParseErrors(t *testing.T) {
	for _, tt := range []struct {
		desc string
		want error
	}{
		{`{"schemeType":"BGV","operations":[`, messages.ErrSchemaFormat},
		{`{"schemeType":"RSA","operations":[{"type":"ADD","operands":[{"field":"a"},{"field":"b"}]}]}`, messages.ErrSchemaFormat},
		{`{"schemeType":"BGV","operations":[]}`, messages.ErrSchemaFormat},
		{`{"schemeType":"BGV","operations":[{"type":"DIVIDE","operands":[{"field":"a"},{"field":"b"}]}]}`, messages.ErrUnsupportedOperation},
		{`{"schemeType":"BGV","operations":[{"type":"ADD","operands":[{"field":"a"}]}]}`, messages.ErrSchemaFormat},
		{`{"schemeType":"BGV","operations":[{"type":"SUBTRACT","operands":[{"field":"a"},{"field":"b"},{"field":"c"}]}]}`, messages.ErrSchemaFormat},
		{`{"schemeType":"BGV","operations":[{"type":"ADD","operands":[{"field":"a","value":1},{"field":"b"}]}]}`, messages.ErrSchemaFormat},
		{`{"schemeType":"BGV","operations":[{"type":"ADD","operands":[{"type":"array"},{"field":"b"}]}]}`, messages.ErrSchemaFormat},
		{`{"schemeType":"BGV","operations":[{"type":"ADD","operands":[{"field":-1},{"field":"b"}]}]}`, messages.ErrSchemaFormat},
		{`{"schemeType":"BGV","operations":[{"type":"ADD","operands":[{"type":"scalar","value":[1,2]},{"field":"b"}]}]}`, messages.ErrSchemaFormat},
		{`{"schemeType":"BGV","operations":[{"type":"ADD","operands":[{"value":"abc","isRaw":true},{"field":"b"}]}]}`, messages.ErrSchemaFormat},
		{`{"schemeType":"BGV","operations":[{"type":"ADD","operands":[{"value":1,"rotate":1},{"field":"b"}]}]}`, messages.ErrSchemaFormat},
		{`{"schemeType":"BGV","operations":[{"type":"ADD","operands":[{"type":"matrix","field":"a"},{"field":"b"}]}]}`, messages.ErrSchemaFormat},
		{`{"schemeType":"BGV","operations":[{"type":"ADD","operands":[{"type":"array","field":"a"},{"field":"b"}],"resultType":"scalar"}]}`, messages.ErrSchemaFormat},
		{`{"schemeType":"BGV","operations":[{"type":"ADD","operands":[{"field":"a"},{"value":[1,2]}],"resultType":"scalar"}]}`, messages.ErrSchemaFormat},
		{`{"schemeType":"BGV","operations":[{"type":"EXPONENTIATE","operands":[{"field":"a"},{"value":-1}]}]}`, messages.ErrInvalidExponent},
		{`{"schemeType":"BGV","operations":[{"type":"EXPONENTIATE","operands":[{"field":"a"},{"value":1.5}]}]}`, messages.ErrInvalidExponent},
		{`{"schemeType":"BGV","operations":[{"type":"EXPONENTIATE","operands":[{"field":"a"},{"value":"2"}]}]}`, messages.ErrInvalidExponent},
		{`{"schemeType":"BGV","operations":[{"type":"EXPONENTIATE","operands":[{"field":"a"},{"field":"b"}]}]}`, messages.ErrInvalidExponent},
		{`{"schemeType":"BGV","operations":[{"type":"EXPONENTIATE","operands":[{"value":3,"isRaw":true},{"value":2}]}]}`, messages.ErrSchemaFormat},
	} {
		_, err := ParseString(tt.desc)
		if !errors.Is(err, tt.want) {
			t.Fatal("Parsing", tt.desc, "returned", err, "instead of", tt.want)
		}
	}
}

func TestScalarResult(t *testing.T) {
	s, err := ParseString(`{"schemeType":"BGV","operations":[
		{"type":"MULTIPLY","operands":[{"type":"scalar","field":"a"},{"value":3}],"resultType":"scalar"}]}`)
	if err != nil {
		t.Fatal(err)
	}
	if s.Operations[0].ResultType != Scalar {
		t.Fatal("Wrong result type", s.Operations[0].ResultType)
	}
}

func TestExponentForms(t *testing.T) {
	for desc, want := range map[string]uint64{
		`0`:    0,
		`7`:    7,
		`3.0`:  3,
		`1e2`:  100,
		`4096`: 4096,
	} {
		s, err := ParseString(`{"schemeType":"BGV","operations":[{"type":"EXPONENTIATE","operands":[{"field":"a"},{"value":` + desc + `}]}]}`)
		if err != nil {
			t.Fatal(desc, err)
		}
		if s.Operations[0].Exponent != want {
			t.Fatal("Exponent", desc, "parsed as", s.Operations[0].Exponent)
		}
	}
}

func TestKindNames(t *testing.T) {
	for kind, name := range map[Kind]string{Add: "ADD", Subtract: "SUBTRACT", Multiply: "MULTIPLY", Exponentiate: "EXPONENTIATE"} {
		if kind.String() != name {
			t.Fatal(kind.String(), "!=", name)
		}
	}
	if (FieldRef{Result: 2, IsResult: true}).String() != "result#2" || (FieldRef{Column: "a"}).String() != "column:a" {
		t.Fatal("Wrong field names")
	}
}
