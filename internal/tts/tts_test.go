package tts

import (
	"bytes"
	"sync"
	"testing"
)

func TestAudioBuffer_AppendPreservesOrder(t *testing.T) {
	var b AudioBuffer
	frames := [][]byte{{1}, {2, 3}, {}, {4, 5, 6}}

	var want []byte
	for _, f := range frames {
		b.Append(f)
		want = append(want, f...)
	}

	if b.Len() != len(want) {
		t.Errorf("Len() = %d, want %d", b.Len(), len(want))
	}
	if got := b.Bytes(); !bytes.Equal(got, want) {
		t.Errorf("Bytes() = %v, want %v", got, want)
	}
}

func TestAudioBuffer_BytesIsCopy(t *testing.T) {
	var b AudioBuffer
	b.Append([]byte{1, 2})

	got := b.Bytes()
	got[0] = 9

	if b.Bytes()[0] != 1 {
		t.Error("mutating the result of Bytes() changed the buffer")
	}
}

func TestAudioBuffer_ConcurrentReadsDuringAppend(t *testing.T) {
	var b AudioBuffer
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			b.Append([]byte{byte(i)})
		}
	}()

	last := 0
	for i := 0; i < 1000; i++ {
		n := b.Len()
		if n < last {
			t.Fatalf("Len() went backwards: %d after %d", n, last)
		}
		last = n
	}
	wg.Wait()

	if b.Len() != 1000 {
		t.Errorf("Len() = %d, want 1000", b.Len())
	}
}
