// Encoding and decoding of the wire messages, plus the length-prefixed framing used for key bundles.

package messages

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// EncodeRequestChunk returns the REQUEST_CHUNK frame.
func EncodeRequestChunk() ([]byte, error) {
	return json.Marshal(&RequestChunk{Type: MsgRequestChunk})
}

// EncodeResult returns the SEND_CHUNK_PROCESSING_RESULT frame for a processed chunk.
func EncodeResult(chunkID ChunkID, result string, token json.RawMessage) ([]byte, error) {
	if len(token) == 0 {
		token = json.RawMessage("null")
	}
	return json.Marshal(&SubmitResult{
		Type: MsgSendChunkProcessingResult,
		Data: ResultData{ChunkID: chunkID, Result: result, Token: token},
	})
}

// DecodeAssignment parses a server frame into a Work item. Every failure wraps ErrProtocol.
func DecodeAssignment(data []byte) (*Work, error) {
	asg := &Assignment{}
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(asg); err != nil {
		return nil, fmt.Errorf("%w: could not decode assignment: %v", ErrProtocol, err)
	}
	return asg.Decode()
}

// Decode validates the assignment and decodes its string-encoded and base64 fields.
func (asg *Assignment) Decode() (*Work, error) {
	p := asg.Payload
	if p == nil {
		return nil, fmt.Errorf("%w: assignment has no payload", ErrProtocol)
	}
	if p.Chunk == nil {
		return nil, fmt.Errorf("%w: assignment has no chunk", ErrProtocol)
	}
	if p.Chunk.Length < 0 {
		return nil, fmt.Errorf("%w: negative chunk length %d", ErrProtocol, p.Chunk.Length)
	}

	schema, err := unwrapString(p.JSONSchema)
	if err != nil {
		return nil, fmt.Errorf("%w: jsonSchema: %v", ErrProtocol, err)
	}
	if len(schema) == 0 {
		return nil, fmt.Errorf("%w: assignment has no schema", ErrProtocol)
	}

	columns, err := decodeColumns(p.Chunk.ColumnsData)
	if err != nil {
		return nil, fmt.Errorf("%w: columnsData: %v", ErrProtocol, err)
	}

	keys := &KeyMaterial{}
	if p.PublicKey == "" {
		return nil, fmt.Errorf("%w: assignment has no public key", ErrProtocol)
	}
	if keys.PublicKey, err = base64.StdEncoding.DecodeString(p.PublicKey); err != nil {
		return nil, fmt.Errorf("%w: publicKey: %v", ErrProtocol, err)
	}
	if p.GaloisKeys != "" {
		if keys.GaloisKeys, err = base64.StdEncoding.DecodeString(p.GaloisKeys); err != nil {
			return nil, fmt.Errorf("%w: galoisKeys: %v", ErrProtocol, err)
		}
	}
	if p.RelinKeys != "" {
		if keys.RelinKeys, err = base64.StdEncoding.DecodeString(p.RelinKeys); err != nil {
			return nil, fmt.Errorf("%w: relinKeys: %v", ErrProtocol, err)
		}
	}

	chunkID := p.Chunk.ID
	if chunkID.IsZero() {
		chunkID = p.ID
	}

	return &Work{
		AssignmentID: p.ID,
		Schema:       schema,
		Chunk:        &Chunk{ID: chunkID, Length: p.Chunk.Length, Columns: columns},
		Keys:         keys,
		Token:        asg.Token,
	}, nil
}

// unwrapString returns the content of a JSON string, or the raw value itself when it is not a string.
func unwrapString(raw json.RawMessage) ([]byte, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] != '"' {
		return raw, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return []byte(s), nil
}

func decodeColumns(raw json.RawMessage) (map[string]string, error) {
	data, err := unwrapString(raw)
	if err != nil {
		return nil, err
	}
	columns := make(map[string]string)
	if len(data) == 0 {
		return columns, nil
	}
	if err := json.Unmarshal(data, &columns); err != nil {
		return nil, err
	}
	return columns, nil
}

// MarshalFrames builds data as [<nEntries>, (<len>, <entry>)*], lengths as big-endian uint64.
func MarshalFrames(entries [][]byte) []byte {
	size := 8
	for _, e := range entries {
		size += 8 + len(e)
	}

	data := make([]byte, size)
	ptr := 0 // Used to index data
	binary.BigEndian.PutUint64(data[ptr:ptr+8], uint64(len(entries)))
	ptr += 8
	for _, e := range entries {
		binary.BigEndian.PutUint64(data[ptr:ptr+8], uint64(len(e)))
		ptr += 8
		copy(data[ptr:ptr+len(e)], e)
		ptr += len(e)
	}

	return data
}

// UnmarshalFrames is the inverse of MarshalFrames. Entries alias data.
func UnmarshalFrames(data []byte) (entries [][]byte, err error) {
	ptr := 0 // Used to index data

	if len(data) < 8 {
		return nil, errors.New("frame header is truncated")
	}
	nEntries := binary.BigEndian.Uint64(data[ptr : ptr+8])
	ptr += 8
	if nEntries > uint64(len(data)/8) {
		return nil, errors.New("frame count exceeds data length")
	}

	entries = make([][]byte, 0, nEntries)
	for i := uint64(0); i < nEntries; i++ {
		if len(data)-ptr < 8 {
			return nil, fmt.Errorf("length of entry %d is truncated", i)
		}
		entryLen := binary.BigEndian.Uint64(data[ptr : ptr+8])
		ptr += 8
		if entryLen > uint64(len(data)-ptr) {
			return nil, fmt.Errorf("entry %d is truncated", i)
		}
		entries = append(entries, data[ptr:ptr+int(entryLen)])
		ptr += int(entryLen)
	}

	if ptr != len(data) {
		return nil, errors.New("trailing bytes after last frame")
	}

	return entries, nil
}
