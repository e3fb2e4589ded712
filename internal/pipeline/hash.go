package pipeline

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"sort"
)

// cacheKey hashes everything that determines a step's output: its name, the
// image it starts from, its instructions, its declared inputs and outputs.
//
// Fields are length-prefixed so adjacent values cannot run together; inputs
// and outputs are sorted so declaration order does not matter.
func cacheKey(s *Step) string {
	h := sha256.New()

	writeField(h, []byte(s.Name))
	writeField(h, []byte(s.From))

	writeCount(h, len(s.Instructions))
	for _, ins := range s.Instructions {
		writeField(h, []byte(ins))
	}

	inputs := make([]Input, len(s.Inputs))
	copy(inputs, s.Inputs)
	sort.Slice(inputs, func(i, j int) bool { return inputs[i].Name < inputs[j].Name })
	writeCount(h, len(inputs))
	for _, in := range inputs {
		writeField(h, []byte(in.Name))
		writeField(h, []byte(in.Digest))
	}

	outputs := make([]string, len(s.Outputs))
	copy(outputs, s.Outputs)
	sort.Strings(outputs)
	writeCount(h, len(outputs))
	for _, out := range outputs {
		writeField(h, []byte(out))
	}

	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h hash.Hash, data []byte) {
	writeCount(h, len(data))
	h.Write(data)
}

func writeCount(h hash.Hash, n int) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n))
	h.Write(buf[:])
}
