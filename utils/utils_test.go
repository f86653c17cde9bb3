package utils

import (
	"github.com/google/go-cmp/cmp"
	"go.dedis.ch/onet/v3/log"
	"lattigo-worker/service/capability/lattice"
	"lattigo-worker/service/messages"
	"math"
	"path/filepath"
	"testing"
)

func TestLocalTestRoundTrip(t *testing.T) {
	log.SetDebugVisible(1)
	lt, err := NewLocalTest(messages.IntegerScheme, lattice.DefaultParameters(), []int{1})
	if err != nil {
		t.Fatal(err)
	}
	if err := lt.AddColumn("a", []float64{5, -2, 7}); err != nil {
		t.Fatal(err)
	}

	filename := filepath.Join(t.TempDir(), "local.bin")
	if err := lt.WriteToFile(filename); err != nil {
		t.Fatal(err)
	}
	read := &LocalTest{}
	if err := read.ReadFromFile(filename); err != nil {
		t.Fatal(err)
	}

	if read.ID != lt.ID || read.Scheme != lt.Scheme {
		t.Fatal("Identity of the local test was not preserved")
	}
	if len(read.GaloisKeys) != 1 || read.RelinKey == nil {
		t.Fatal("Evaluation keys were not preserved")
	}
	if diff := cmp.Diff(lt.Columns, read.Columns); diff != "" {
		t.Fatal("Columns differ:", diff)
	}
	if diff := cmp.Diff(lt.Encrypted, read.Encrypted); diff != "" {
		t.Fatal("Ciphertexts differ:", diff)
	}

	// The secret key read back decrypts the column encrypted before writing.
	values, err := read.Decrypt(read.Encrypted["a"], 3)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range []float64{5, -2, 7} {
		if values[i] != v {
			t.Fatal("Slot", i, "decrypted to", values[i], "instead of", v)
		}
	}
}

func TestCorruptedFixture(t *testing.T) {
	lt, err := NewLocalTest(messages.IntegerScheme, lattice.DefaultParameters(), nil)
	if err != nil {
		t.Fatal(err)
	}
	data, err := lt.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	// Flip a bit in the middle of the body.
	data[len(data)/2] ^= 1
	if err := (&LocalTest{}).UnmarshalBinary(data); err == nil {
		t.Fatal("Corrupted fixture accepted")
	}
}

func TestApproximateEncryption(t *testing.T) {
	lt, err := NewLocalTest(messages.ApproximateScheme, lattice.DefaultParameters(), nil)
	if err != nil {
		t.Fatal(err)
	}
	ct, err := lt.Encrypt([]float64{1.5, -0.25})
	if err != nil {
		t.Fatal(err)
	}
	values, err := lt.Decrypt(ct, 2)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(values[0]-1.5) > 1e-3 || math.Abs(values[1]+0.25) > 1e-3 {
		t.Fatal("Decrypted", values)
	}
}

func TestAssignmentDecodes(t *testing.T) {
	lt, err := NewLocalTest(messages.IntegerScheme, lattice.DefaultParameters(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := lt.AddColumn("a", []float64{1, 2}); err != nil {
		t.Fatal(err)
	}
	frame, err := lt.Assignment("chunk-1", `{"schemeType":"BGV","operations":[]}`, "tok")
	if err != nil {
		t.Fatal(err)
	}

	work, err := messages.DecodeAssignment(frame)
	if err != nil {
		t.Fatal(err)
	}
	if work.Chunk.ID.String() != "chunk-1" || work.Chunk.Length != 2 {
		t.Fatal("Wrong chunk", work.Chunk.ID, work.Chunk.Length)
	}
	if work.Chunk.Columns["a"] != lt.Encrypted["a"] {
		t.Fatal("Column was not carried")
	}
	if len(work.Keys.PublicKey) == 0 || len(work.Keys.RelinKeys) == 0 {
		t.Fatal("Keys were not carried")
	}
}

func TestUnknownScheme(t *testing.T) {
	if _, err := NewLocalTest(messages.UnknownScheme, lattice.DefaultParameters(), nil); err == nil {
		t.Fatal("Local test created without a scheme")
	}
}
