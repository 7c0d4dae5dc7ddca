package bc

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// An Id names a single object in the store. Ids are opaque 32-byte
// values; they compare bytewise and have no internal structure.
type Id [32]byte

// IdFromBytes creates an Id from a byte slice. The caller is
// responsible for ensuring the slice is of the right length. It will
// be 0-padded or truncated if it's not.
func IdFromBytes(b []byte) (id Id) {
	copy(id[:], b)
	return id
}

// IdFromHex parses a 64-character hex string into an Id.
func IdFromHex(s string) (Id, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Id{}, err
	}
	if len(b) != 32 {
		return Id{}, fmt.Errorf("id must be 32 bytes, got %d", len(b))
	}
	return IdFromBytes(b), nil
}

// Bytes returns the id as a byte slice.
func (id Id) Bytes() []byte {
	return id[:]
}

// Hex returns the full hex rendering of the id.
func (id Id) Hex() string {
	return hex.EncodeToString(id[:])
}

// String renders the id as hex.
func (id Id) String() string {
	return id.Hex()
}

// IsZero reports whether the id is all zeroes.
func (id Id) IsZero() bool {
	return id == Id{}
}

// Less reports whether id sorts before other in bytewise order.
func (id Id) Less(other Id) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// MarshalText satisfies the TextMarshaler interface.
func (id Id) MarshalText() ([]byte, error) {
	v := make([]byte, 64)
	hex.Encode(v, id[:])
	return v, nil
}

// UnmarshalText satisfies the TextUnmarshaler interface.
func (id *Id) UnmarshalText(v []byte) error {
	if len(v) != 64 {
		return fmt.Errorf("bad length id string %d", len(v))
	}
	_, err := hex.Decode(id[:], v)
	return err
}

// SortIds returns ids sorted ascending with duplicates dropped. The
// sort works on a copy; ids itself is left unmodified.
func SortIds(ids []Id) []Id {
	if len(ids) < 2 {
		return ids
	}
	sorted := make([]Id, len(ids))
	copy(sorted, ids)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].Less(sorted[j-1]); j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	out := sorted[:1]
	for _, id := range sorted[1:] {
		if id != out[len(out)-1] {
			out = append(out, id)
		}
	}
	return out
}
