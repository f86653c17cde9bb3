// Some utility methods that simplify the testing process.
package utils

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/tuneinsight/lattigo/v5/core/rlwe"
	"github.com/tuneinsight/lattigo/v5/he/hefloat"
	"github.com/tuneinsight/lattigo/v5/he/heint"
	"github.com/zeebo/blake3"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/protobuf"
	uuid "gopkg.in/satori/go.uuid.v1"
	"io/ioutil"
	"lattigo-worker/service/capability/lattice"
	"lattigo-worker/service/messages"
	"math"
	"sort"
)

// LocalTest holds a full key set for one scheme, and plain and encrypted columns. It plays the part of
// the data owner in tests and demos: the worker itself only ever sees KeyMaterial and ciphertexts.
type LocalTest struct {
	ID     uuid.UUID
	Scheme messages.SchemeType

	Integer     heint.Parameters
	Approximate hefloat.Parameters

	SecretKey  *rlwe.SecretKey
	PublicKey  *rlwe.PublicKey
	RelinKey   *rlwe.RelinearizationKey
	GaloisKeys []*rlwe.GaloisKey

	Columns   map[string][]float64
	Encrypted map[string]string
}

// NewLocalTest generates keys for scheme, with Galois keys for the given rotations.
func NewLocalTest(scheme messages.SchemeType, params lattice.Parameters, rotations []int) (lt *LocalTest, err error) {
	lt = &LocalTest{
		ID:        uuid.NewV1(),
		Scheme:    scheme,
		Columns:   make(map[string][]float64),
		Encrypted: make(map[string]string),
	}
	if lt.Integer, err = heint.NewParametersFromLiteral(params.Integer); err != nil {
		return nil, err
	}
	if lt.Approximate, err = hefloat.NewParametersFromLiteral(params.Approximate); err != nil {
		return nil, err
	}
	if err = lt.checkScheme(); err != nil {
		return nil, err
	}

	log.Lvl2("Generating", scheme, "keys for local test", lt.ID)
	kgen := rlwe.NewKeyGenerator(lt.params())
	lt.SecretKey, lt.PublicKey = kgen.GenKeyPairNew()
	lt.RelinKey = kgen.GenRelinearizationKeyNew(lt.SecretKey)
	if len(rotations) > 0 {
		lt.GaloisKeys = kgen.GenGaloisKeysNew(lattice.RotationGaloisElements(lt.params(), rotations), lt.SecretKey)
	}
	return lt, nil
}

func (lt *LocalTest) checkScheme() error {
	if lt.Scheme != messages.IntegerScheme && lt.Scheme != messages.ApproximateScheme {
		return fmt.Errorf("%w: no parameters for scheme %v", messages.ErrSchemeMismatch, lt.Scheme)
	}
	return nil
}

func (lt *LocalTest) params() rlwe.ParameterProvider {
	if lt.Scheme == messages.IntegerScheme {
		return lt.Integer
	}
	return lt.Approximate
}

// Slots returns the number of values a ciphertext holds.
func (lt *LocalTest) Slots() int {
	if lt.Scheme == messages.IntegerScheme {
		return lt.Integer.MaxSlots()
	}
	return lt.Approximate.MaxSlots()
}

// KeyMaterial returns the public part of the key set, as the server would send it.
func (lt *LocalTest) KeyMaterial() (*messages.KeyMaterial, error) {
	keys := &messages.KeyMaterial{}
	var err error
	if keys.PublicKey, err = lt.PublicKey.MarshalBinary(); err != nil {
		return nil, err
	}
	if lt.RelinKey != nil {
		if keys.RelinKeys, err = lt.RelinKey.MarshalBinary(); err != nil {
			return nil, err
		}
	}
	if len(lt.GaloisKeys) > 0 {
		if keys.GaloisKeys, err = lattice.MarshalGaloisKeys(lt.GaloisKeys); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// Encrypt encodes and encrypts values under the public key, and returns the base64 ciphertext.
func (lt *LocalTest) Encrypt(values []float64) (string, error) {
	var pt *rlwe.Plaintext
	if lt.Scheme == messages.IntegerScheme {
		coeffs := make([]int64, len(values))
		for i, v := range values {
			coeffs[i] = int64(math.Round(v))
		}
		pt = heint.NewPlaintext(lt.Integer, lt.Integer.MaxLevel())
		if err := heint.NewEncoder(lt.Integer).Encode(coeffs, pt); err != nil {
			return "", err
		}
	} else {
		pt = hefloat.NewPlaintext(lt.Approximate, lt.Approximate.MaxLevel())
		if err := hefloat.NewEncoder(lt.Approximate).Encode(values, pt); err != nil {
			return "", err
		}
	}

	ct, err := rlwe.NewEncryptor(lt.params(), lt.PublicKey).EncryptNew(pt)
	if err != nil {
		return "", err
	}
	data, err := ct.MarshalBinary()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Decrypt returns the first n slots of a base64 ciphertext. Integer results are centered around zero.
func (lt *LocalTest) Decrypt(b64 string, n int) ([]float64, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	ct := new(rlwe.Ciphertext)
	if err := ct.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	if n <= 0 || n > lt.Slots() {
		n = lt.Slots()
	}

	pt := rlwe.NewDecryptor(lt.params(), lt.SecretKey).DecryptNew(ct)
	values := make([]float64, n)
	if lt.Scheme == messages.IntegerScheme {
		coeffs := make([]int64, lt.Integer.MaxSlots())
		if err := heint.NewEncoder(lt.Integer).Decode(pt, coeffs); err != nil {
			return nil, err
		}
		for i := range values {
			values[i] = float64(coeffs[i])
		}
	} else {
		slots := make([]float64, lt.Approximate.MaxSlots())
		if err := hefloat.NewEncoder(lt.Approximate).Decode(pt, slots); err != nil {
			return nil, err
		}
		copy(values, slots)
	}
	return values, nil
}

// AddColumn encrypts values and keeps them as a named column.
func (lt *LocalTest) AddColumn(name string, values []float64) error {
	ct, err := lt.Encrypt(values)
	if err != nil {
		return errors.New("could not encrypt column " + name + ": " + err.Error())
	}
	lt.Columns[name] = append([]float64{}, values...)
	lt.Encrypted[name] = ct
	return nil
}

// Chunk returns the encrypted columns as a chunk. The length is the longest column.
func (lt *LocalTest) Chunk(id string) *messages.Chunk {
	chunk := &messages.Chunk{ID: messages.NewChunkID(id), Columns: make(map[string]string)}
	for name, ct := range lt.Encrypted {
		chunk.Columns[name] = ct
		if l := len(lt.Columns[name]); l > chunk.Length {
			chunk.Length = l
		}
	}
	return chunk
}

// Assignment builds the server frame assigning the encrypted columns and schema to a worker.
func (lt *LocalTest) Assignment(chunkID, schema string, token string) ([]byte, error) {
	keys, err := lt.KeyMaterial()
	if err != nil {
		return nil, err
	}
	chunk := lt.Chunk(chunkID)
	columns, err := json.Marshal(chunk.Columns)
	if err != nil {
		return nil, err
	}
	schemaData, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	columnsData, err := json.Marshal(string(columns))
	if err != nil {
		return nil, err
	}
	tokenData, err := json.Marshal(token)
	if err != nil {
		return nil, err
	}

	asg := &messages.Assignment{
		Payload: &messages.Payload{
			ID:         chunk.ID,
			JSONSchema: schemaData,
			Chunk: &messages.WireChunk{
				ID:          chunk.ID,
				Length:      chunk.Length,
				ColumnsData: columnsData,
			},
			PublicKey:  base64.StdEncoding.EncodeToString(keys.PublicKey),
			GaloisKeys: base64.StdEncoding.EncodeToString(keys.GaloisKeys),
			RelinKeys:  base64.StdEncoding.EncodeToString(keys.RelinKeys),
		},
		Token: tokenData,
	}
	return json.Marshal(asg)
}

// ColumnNames returns the column names in order.
func (lt *LocalTest) ColumnNames() []string {
	names := make([]string, 0, len(lt.Columns))
	for name := range lt.Columns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

/*********************** Fixture files *********************/

// fixtureFile wraps the encoded LocalTest with its checksum, so that a damaged file is detected before
// any key is decoded.
type fixtureFile struct {
	Body     []byte
	Checksum []byte
}

// localTestFile is the protobuf form of a LocalTest.
type localTestFile struct {
	ID          []byte
	Scheme      int64
	Integer     []byte
	Approximate []byte
	SecretKey   []byte
	PublicKey   []byte
	RelinKey    []byte
	GaloisKeys  []byte
	Columns     []columnFile
}

type columnFile struct {
	Name       string
	Values     []float64
	Ciphertext string
}

func (lt *LocalTest) MarshalBinary() (data []byte, err error) {
	f := &localTestFile{ID: lt.ID.Bytes(), Scheme: int64(lt.Scheme)}
	if f.Integer, err = lt.Integer.MarshalBinary(); err != nil {
		return nil, err
	}
	if f.Approximate, err = lt.Approximate.MarshalBinary(); err != nil {
		return nil, err
	}
	if f.SecretKey, err = lt.SecretKey.MarshalBinary(); err != nil {
		return nil, err
	}
	if f.PublicKey, err = lt.PublicKey.MarshalBinary(); err != nil {
		return nil, err
	}
	if lt.RelinKey != nil {
		if f.RelinKey, err = lt.RelinKey.MarshalBinary(); err != nil {
			return nil, err
		}
	}
	if f.GaloisKeys, err = lattice.MarshalGaloisKeys(lt.GaloisKeys); err != nil {
		return nil, err
	}
	for _, name := range lt.ColumnNames() {
		f.Columns = append(f.Columns, columnFile{Name: name, Values: lt.Columns[name], Ciphertext: lt.Encrypted[name]})
	}

	body, err := protobuf.Encode(f)
	if err != nil {
		return nil, err
	}
	sum := blake3.Sum256(body)
	return protobuf.Encode(&fixtureFile{Body: body, Checksum: sum[:]})
}

func (lt *LocalTest) UnmarshalBinary(data []byte) (err error) {
	file := &fixtureFile{}
	if err = protobuf.Decode(data, file); err != nil {
		return errors.New("could not decode local test: " + err.Error())
	}
	sum := blake3.Sum256(file.Body)
	if !bytes.Equal(sum[:], file.Checksum) {
		return errors.New("local test checksum does not match its content")
	}
	f := &localTestFile{}
	if err = protobuf.Decode(file.Body, f); err != nil {
		return errors.New("could not decode local test: " + err.Error())
	}

	if lt.ID, err = uuid.FromBytes(f.ID); err != nil {
		return err
	}
	lt.Scheme = messages.SchemeType(f.Scheme)
	if err = lt.checkScheme(); err != nil {
		return err
	}
	if err = lt.Integer.UnmarshalBinary(f.Integer); err != nil {
		return err
	}
	if err = lt.Approximate.UnmarshalBinary(f.Approximate); err != nil {
		return err
	}
	lt.SecretKey = new(rlwe.SecretKey)
	if err = lt.SecretKey.UnmarshalBinary(f.SecretKey); err != nil {
		return err
	}
	lt.PublicKey = new(rlwe.PublicKey)
	if err = lt.PublicKey.UnmarshalBinary(f.PublicKey); err != nil {
		return err
	}
	lt.RelinKey = nil
	if len(f.RelinKey) > 0 {
		lt.RelinKey = new(rlwe.RelinearizationKey)
		if err = lt.RelinKey.UnmarshalBinary(f.RelinKey); err != nil {
			return err
		}
	}
	if lt.GaloisKeys, err = lattice.UnmarshalGaloisKeys(f.GaloisKeys); err != nil {
		return err
	}

	lt.Columns = make(map[string][]float64)
	lt.Encrypted = make(map[string]string)
	for _, c := range f.Columns {
		lt.Columns[c.Name] = c.Values
		lt.Encrypted[c.Name] = c.Ciphertext
	}
	return nil
}

func (lt *LocalTest) WriteToFile(filename string) error {
	data, err := lt.MarshalBinary()
	if err != nil {
		return err
	}
	if err := ioutil.WriteFile(filename, data, 0600); err != nil {
		log.Error("Could not write local test:", err)
		return err
	}
	return nil
}

func (lt *LocalTest) ReadFromFile(filename string) error {
	data, err := ioutil.ReadFile(filename)
	if err != nil {
		return err
	}
	return lt.UnmarshalBinary(data)
}
