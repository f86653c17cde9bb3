// This file defines the data structures exchanged with the chunk server, and the types shared by the
// worker packages (scheme tags, chunk and key material).
// Every wire message is JSON; the structs below mirror the server's field names.

package messages

import (
	"bytes"
	"encoding/json"
	"errors"
	uuid "gopkg.in/satori/go.uuid.v1"
	"sort"
	"strings"
)

// Message type tags sent by the worker.
const (
	MsgRequestChunk              = "REQUEST_CHUNK"
	MsgSendChunkProcessingResult = "SEND_CHUNK_PROCESSING_RESULT"
)

/*********************** Scheme *********************/

// SchemeType tags the homomorphic scheme a chunk is encrypted under.
type SchemeType int

const (
	UnknownScheme SchemeType = iota
	// IntegerScheme is the integer-batching scheme (BFV/BGV).
	IntegerScheme
	// ApproximateScheme is the approximate-real scheme (CKKS).
	ApproximateScheme
)

func (s SchemeType) String() string {
	switch s {
	case IntegerScheme:
		return "BGV"
	case ApproximateScheme:
		return "CKKS"
	default:
		return "unknown"
	}
}

// ParseSchemeType accepts the names used by the server. BFV and BGV both map to IntegerScheme.
func ParseSchemeType(name string) (SchemeType, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "BFV", "BGV", "INTEGER":
		return IntegerScheme, nil
	case "CKKS", "APPROXIMATE":
		return ApproximateScheme, nil
	default:
		return UnknownScheme, errors.New("unknown scheme type " + name)
	}
}

/*********************** IDs *********************/

// WorkerID identifies one worker instance in the logs.
type WorkerID uuid.UUID

var NilWorkerID = WorkerID(uuid.Nil)

func NewWorkerID() WorkerID {
	return WorkerID(uuid.NewV1())
}
func (id WorkerID) String() string {
	return (uuid.UUID)(id).String()
}

// ChunkID keeps an identifier exactly as the server sent it (JSON string or number), so that it can be
// echoed back unchanged.
type ChunkID struct {
	raw json.RawMessage
}

// NewChunkID builds a string identifier.
func NewChunkID(id string) ChunkID {
	data, _ := json.Marshal(id)
	return ChunkID{data}
}

func (id ChunkID) IsZero() bool {
	return len(id.raw) == 0
}

func (id ChunkID) String() string {
	var s string
	if err := json.Unmarshal(id.raw, &s); err == nil {
		return s
	}
	return string(id.raw)
}

func (id ChunkID) MarshalJSON() ([]byte, error) {
	if id.IsZero() {
		return []byte("null"), nil
	}
	return id.raw, nil
}

func (id *ChunkID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		id.raw = nil
		return nil
	}
	if data[0] != '"' && (data[0] < '0' || data[0] > '9') && data[0] != '-' {
		return errors.New("identifier must be a string or a number")
	}
	id.raw = append(json.RawMessage(nil), data...)
	return nil
}

/*********************** Wire messages *********************/

// RequestChunk asks the server for the next unit of work.
type RequestChunk struct {
	Type string `json:"type"`
}

// Assignment is the server's answer to a RequestChunk.
type Assignment struct {
	Payload *Payload        `json:"payload"`
	Token   json.RawMessage `json:"token"`
}

type Payload struct {
	ID         ChunkID         `json:"id"`
	JSONSchema json.RawMessage `json:"jsonSchema"`
	Chunk      *WireChunk      `json:"chunk"`
	PublicKey  string          `json:"publicKey"`
	GaloisKeys string          `json:"galoisKeys,omitempty"`
	RelinKeys  string          `json:"relinKeys,omitempty"`
}

type WireChunk struct {
	ID          ChunkID         `json:"id"`
	Length      int             `json:"length"`
	ColumnsData json.RawMessage `json:"columnsData"`
}

// SubmitResult carries the serialized result of one chunk.
type SubmitResult struct {
	Type string     `json:"type"`
	Data ResultData `json:"data"`
}

type ResultData struct {
	ChunkID ChunkID         `json:"chunkId"`
	Result  string          `json:"result"`
	Token   json.RawMessage `json:"token"`
}

/*********************** Decoded work *********************/

// Chunk is the immutable unit of data a worker processes.
type Chunk struct {
	ID      ChunkID
	Length  int
	Columns map[string]string // column name -> base64 ciphertext
}

// ColumnNames returns the column names in a deterministic order.
func (c *Chunk) ColumnNames() []string {
	names := make([]string, 0, len(c.Columns))
	for name := range c.Columns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// KeyMaterial holds the decoded evaluation keys. GaloisKeys and RelinKeys may be nil.
type KeyMaterial struct {
	PublicKey  []byte
	GaloisKeys []byte
	RelinKeys  []byte
}

// Work is a decoded Assignment: everything the pipeline evaluator needs for one chunk.
type Work struct {
	AssignmentID ChunkID
	Schema       []byte // JSON description of the operation pipeline
	Chunk        *Chunk
	Keys         *KeyMaterial
	Token        json.RawMessage
}
