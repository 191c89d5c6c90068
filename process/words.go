package process

import "encoding/binary"

// WordSize is the ptrace transfer unit on x86-64.
const WordSize = 8

// TrapOpcode is int3. It pads code buffers up to a word boundary so a
// fragment that runs off its end stops with SIGTRAP.
const TrapOpcode byte = 0xCC

// WordCount returns the number of words needed to hold size bytes.
func WordCount(size ProcessMemorySize) int {
	return (int(size) + WordSize - 1) / WordSize
}

// PackWords packs b into little-endian words: byte i lands in bits 8i..8i+8
// of word i/8. A trailing partial word is filled with TrapOpcode.
func PackWords(b []byte) []uint64 {
	n := WordCount(ProcessMemorySize(len(b)))
	buf := make([]byte, n*WordSize)
	copy(buf, b)
	for i := len(b); i < len(buf); i++ {
		buf[i] = TrapOpcode
	}

	words := make([]uint64, n)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(buf[i*WordSize:])
	}
	return words
}

// UnpackWords is the inverse of PackWords, padding included.
func UnpackWords(words []uint64) []byte {
	b := make([]byte, len(words)*WordSize)
	for i, w := range words {
		binary.LittleEndian.PutUint64(b[i*WordSize:], w)
	}
	return b
}
