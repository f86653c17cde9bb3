package lattice

import (
	"errors"
	"github.com/tuneinsight/lattigo/v5/core/rlwe"
	"lattigo-worker/service/messages"
)

// MarshalGaloisKeys packs Galois keys in the format LoadGaloisKeys reads.
func MarshalGaloisKeys(gks []*rlwe.GaloisKey) ([]byte, error) {
	entries := make([][]byte, len(gks))
	for i, gk := range gks {
		data, err := gk.MarshalBinary()
		if err != nil {
			return nil, errors.New("could not marshal galois key: " + err.Error())
		}
		entries[i] = data
	}
	return messages.MarshalFrames(entries), nil
}

// UnmarshalGaloisKeys is the inverse of MarshalGaloisKeys.
func UnmarshalGaloisKeys(data []byte) ([]*rlwe.GaloisKey, error) {
	entries, err := messages.UnmarshalFrames(data)
	if err != nil {
		return nil, err
	}
	gks := make([]*rlwe.GaloisKey, len(entries))
	for i, entry := range entries {
		gks[i] = new(rlwe.GaloisKey)
		if err := gks[i].UnmarshalBinary(entry); err != nil {
			return nil, errors.New("could not unmarshal galois key: " + err.Error())
		}
	}
	return gks, nil
}

// RotationGaloisElements returns the Galois elements needed to rotate by each of the given offsets.
func RotationGaloisElements(params rlwe.ParameterProvider, rotations []int) []uint64 {
	p := params.GetRLWEParameters()
	galEls := make([]uint64, 0, len(rotations))
	seen := make(map[uint64]bool)
	for _, k := range rotations {
		el := p.GaloisElement(k)
		if !seen[el] {
			seen[el] = true
			galEls = append(galEls, el)
		}
	}
	return galEls
}
