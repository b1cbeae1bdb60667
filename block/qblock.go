package block

import (
	"bytes"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// EncodeMissingBlocks encodes a strictly ascending list of missing
// block numbers as a CBOR sequence of unsigned integers (content-format
// application/missing-blocks+cbor-seq, 272), per RFC 9177. Unlike a
// CBOR array, a CBOR sequence is simply the concatenation of
// independently-decodable CBOR items with no enclosing array header.
func EncodeMissingBlocks(nums []uint64) ([]byte, error) {
	var buf bytes.Buffer
	var prev uint64
	for i, n := range nums {
		if i > 0 && n <= prev {
			return nil, fmt.Errorf("qblock: missing-blocks input not strictly ascending at index %d (%d <= %d)", i, n, prev)
		}
		item, err := cbor.Marshal(n)
		if err != nil {
			return nil, err
		}
		buf.Write(item)
		prev = n
	}
	return buf.Bytes(), nil
}

// DecodeMissingBlocks decodes a CBOR sequence of unsigned integers,
// de-duplicating values the wire may have repeated (the decoder
// tolerates duplicates; only the encoder enforces strict ascent).
func DecodeMissingBlocks(data []byte) ([]uint64, error) {
	dec := cbor.NewDecoder(bytes.NewReader(data))
	seen := make(map[uint64]bool)
	var out []uint64
	for {
		var n uint64
		err := dec.Decode(&n)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("qblock: decoding missing-blocks cbor sequence: %w", err)
		}
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out, nil
}
