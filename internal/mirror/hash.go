package mirror

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/zeebo/xxh3"
)

// Digest is a 128-bit content identity derived from canonical JSON. Two
// documents with identical content (ignoring key order and formatting)
// produce the same Digest.
type Digest [16]byte

// Hex returns the lowercase hex encoding of the digest.
func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

// String implements fmt.Stringer.
func (d Digest) String() string {
	return d.Hex()
}

// DigestValue computes the Digest of any JSON-marshalable value. Go's
// encoding/json sorts map keys at all nesting levels, so the output is
// deterministic without any manual sorting.
func DigestValue(v any) (Digest, error) {
	canonical, err := json.Marshal(v)
	if err != nil {
		return Digest{}, fmt.Errorf("mirror: digest marshal: %w", err)
	}
	return digestBytes(canonical), nil
}

// DigestRaw computes the Digest of raw JSON bytes. If the bytes do not parse,
// it falls back to hashing them directly.
func DigestRaw(raw []byte) Digest {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return digestBytes(raw)
	}
	canonical, err := json.Marshal(v)
	if err != nil {
		return digestBytes(raw)
	}
	return digestBytes(canonical)
}

// DigestFile computes the Digest of a JSON file's contents.
func DigestFile(path string) (Digest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Digest{}, fmt.Errorf("mirror: digest read %s: %w", path, err)
	}
	return DigestRaw(data), nil
}

func digestBytes(data []byte) Digest {
	h128 := xxh3.Hash128(data)
	var d Digest
	binary.LittleEndian.PutUint64(d[:8], h128.Lo)
	binary.LittleEndian.PutUint64(d[8:], h128.Hi)
	return d
}
