package process

import (
	"bytes"
	"testing"
)

func TestPackWordsLittleEndian(t *testing.T) {
	words := PackWords([]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09})
	if len(words) != 2 {
		t.Fatalf("got %d words, want 2", len(words))
	}
	if words[0] != 0x0807060504030201 {
		t.Errorf("word 0 = 0x%016x", words[0])
	}
	if words[1] != 0xcccccccccccccc09 {
		t.Errorf("word 1 = 0x%016x, want int3 padding above byte 8", words[1])
	}
}

func TestPackUnpackRoundTrip(t *testing.T) {
	for n := 0; n <= 3*WordSize+1; n++ {
		in := make([]byte, n)
		for i := range in {
			in[i] = byte(i*37 + 1)
		}

		out := UnpackWords(PackWords(in))

		if len(out)%WordSize != 0 || len(out) < n || len(out)-n >= WordSize {
			t.Fatalf("n=%d: unpacked length %d", n, len(out))
		}
		if !bytes.Equal(out[:n], in) {
			t.Errorf("n=%d: bytes changed: %x != %x", n, out[:n], in)
		}
		for i := n; i < len(out); i++ {
			if out[i] != TrapOpcode {
				t.Errorf("n=%d: padding byte %d = 0x%02x", n, i, out[i])
			}
		}
	}
}

func TestPackWordsAligned(t *testing.T) {
	in := bytes.Repeat([]byte{0x90}, 2*WordSize)
	if got := PackWords(in); len(got) != 2 {
		t.Fatalf("aligned input got %d words, want 2", len(got))
	}
	if got := PackWords(nil); len(got) != 0 {
		t.Fatalf("empty input got %d words", len(got))
	}
}

func TestWordCount(t *testing.T) {
	for size, want := range map[ProcessMemorySize]int{0: 0, 1: 1, 8: 1, 9: 2, 16: 2} {
		if got := WordCount(size); got != want {
			t.Errorf("WordCount(%d) = %d, want %d", size, got, want)
		}
	}
}
