package pipeline

import (
	"fmt"
	"go.dedis.ch/onet/v3/log"
	"lattigo-worker/service/capability"
	"lattigo-worker/service/messages"
	"lattigo-worker/service/schema"
	"strconv"
)

// KeyKind tells which kind of operand a Key names.
type KeyKind int

const (
	ColumnKey KeyKind = iota + 1
	ResultKey
	LiteralKey
)

// Key identifies an operand value within a chunk. Name is set for columns, Index for operation results
// and literals, Position for literals only.
type Key struct {
	Kind     KeyKind
	Name     string
	Index    int
	Position int
}

//Column keys the input column called name.
func Column(name string) Key {
	return Key{Kind: ColumnKey, Name: name}
}

// OperationResult keys the result of the operation at index.
func OperationResult(index int) Key {
	return Key{Kind: ResultKey, Index: index}
}

// Literal keys the inline literal at a given operand position of an operation.
func Literal(operation, position int) Key {
	return Key{Kind: LiteralKey, Index: operation, Position: position}
}

func (k Key) String() string {
	switch k.Kind {
	case ColumnKey:
		return "Column(" + k.Name + ")"
	case ResultKey:
		return "OperationResult(" + strconv.Itoa(k.Index) + ")"
	default:
		return "Literal(" + strconv.Itoa(k.Index) + "," + strconv.Itoa(k.Position) + ")"
	}
}

// OperandMap resolves operands to handles. Every handle it stores is registered with the tracker.
type OperandMap struct {
	ctx     capability.Context
	tracker *Tracker
	lanes   int

	entries map[Key]capability.Handle

	// Number of literals encoded or loaded so far.
	literals int
}

// NewOperandMap returns an empty map. Scalar literals are replicated on lanes lanes.
func NewOperandMap(ctx capability.Context, tracker *Tracker, lanes int) *OperandMap {
	return &OperandMap{
		ctx:     ctx,
		tracker: tracker,
		lanes:   lanes,
		entries: make(map[Key]capability.Handle),
	}
}

// Seed loads every chunk column under its Column key.
func (m *OperandMap) Seed(chunk *messages.Chunk) error {
	for _, name := range chunk.ColumnNames() {
		ct, err := m.ctx.LoadCiphertext(chunk.Columns[name])
		if err != nil {
			return fmt.Errorf("column %q: %w", name, err)
		}
		m.Store(Column(name), ct)
	}
	log.Lvl3("Seeded", len(chunk.Columns), "columns")
	return nil
}

// Store binds k to h, replacing any previous binding, and hands h to the tracker.
func (m *OperandMap) Store(k Key, h capability.Handle) {
	m.entries[k] = m.tracker.Track(h)
}

// Lookup returns the handle bound to k, if any.
func (m *OperandMap) Lookup(k Key) (capability.Handle, bool) {
	h, ok := m.entries[k]
	return h, ok
}

func (m *OperandMap) Len() int {
	return len(m.entries)
}

// Literals returns how many literal values were materialized.
func (m *OperandMap) Literals() int {
	return m.literals
}

// Resolve returns the value of operand pos of op. References must point to a column or to an earlier
// operation, and fail with messages.ErrMissingOperand otherwise. Literals are materialized on first use.
func (m *OperandMap) Resolve(op *schema.Operation, pos int) (capability.Handle, error) {
	operand := &op.Operands[pos]

	if !operand.IsLiteral() {
		var k Key
		if operand.Field.IsResult {
			if operand.Field.Result >= op.Index {
				return nil, fmt.Errorf("%w: operation %d references %s, which is not computed yet",
					messages.ErrMissingOperand, op.Index, operand.Field)
			}
			k = OperationResult(operand.Field.Result)
		} else {
			k = Column(operand.Field.Column)
		}
		h, ok := m.Lookup(k)
		if !ok {
			return nil, fmt.Errorf("%w: operation %d references %s", messages.ErrMissingOperand, op.Index, k)
		}
		return h, nil
	}

	k := Literal(op.Index, pos)
	if h, ok := m.Lookup(k); ok {
		return h, nil
	}

	var h capability.Handle
	var err error
	if operand.Ciphertext != "" {
		h, err = m.ctx.LoadCiphertext(operand.Ciphertext)
	} else {
		h, err = m.ctx.Encode(operand.Values, m.lanes)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", k, err)
	}
	m.literals++
	m.Store(k, h)
	log.Lvl4("Materialized", k)
	return h, nil
}
