package varchunk

import (
	"sync"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	v := New(256)

	buf := v.WriteRequest(4)
	if buf == nil {
		t.Fatalf("expected write request to succeed")
	}
	copy(buf, []byte{1, 2, 3, 4})
	v.WriteAdvance(4)

	got := v.ReadRequest()
	if got == nil {
		t.Fatalf("expected a record to read")
	}
	if len(got) != 4 || got[0] != 1 || got[3] != 4 {
		t.Fatalf("unexpected record: %v", got)
	}
	v.ReadAdvance()

	if v.ReadRequest() != nil {
		t.Fatalf("expected ring empty after advance")
	}
}

func TestWriteRequestRejectsOversizedRecord(t *testing.T) {
	v := New(64)
	if buf := v.WriteRequest(40); buf != nil {
		t.Fatalf("expected nil for a record over half capacity")
	}
}

func TestWriteRequestDropsOnOverflow(t *testing.T) {
	v := New(64)
	// Fill the ring until requests start failing.
	dropped := 0
	for i := 0; i < 50; i++ {
		buf := v.WriteRequest(8)
		if buf == nil {
			dropped++
			continue
		}
		v.WriteAdvance(8)
	}
	if v.Dropped() == 0 {
		t.Fatalf("expected at least one dropped write on a small ring")
	}
}

func TestWrapAroundPreservesOrderAndContiguity(t *testing.T) {
	v := New(64)

	// Alternate small writes/reads to force the write cursor past the
	// physical end of the buffer and exercise the gap-record path.
	var written [][]byte
	for i := 0; i < 20; i++ {
		n := 6
		buf := v.WriteRequest(n)
		if buf == nil {
			continue
		}
		payload := make([]byte, n)
		for j := range payload {
			payload[j] = byte(i)
		}
		copy(buf, payload)
		v.WriteAdvance(n)
		written = append(written, payload)

		if i%2 == 1 {
			if got := v.ReadRequest(); got != nil {
				want := written[0]
				if len(got) != len(want) {
					t.Fatalf("record %d: length mismatch: got %d want %d", i, len(got), len(want))
				}
				for k := range want {
					if got[k] != want[k] {
						t.Fatalf("record %d: byte %d mismatch: got %d want %d", i, k, got[k], want[k])
					}
				}
				v.ReadAdvance()
				written = written[1:]
			}
		}
	}
}

func TestSingleProducerSingleConsumerConcurrency(t *testing.T) {
	v := New(1 << 16)
	const n = 5000

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			for {
				buf := v.WriteRequest(8)
				if buf == nil {
					continue
				}
				for j := range buf {
					buf[j] = byte(i)
				}
				v.WriteAdvance(8)
				break
			}
		}
	}()

	go func() {
		defer wg.Done()
		seen := 0
		for seen < n {
			rec := v.ReadRequest()
			if rec == nil {
				continue
			}
			expect := byte(seen)
			for _, b := range rec {
				if b != expect {
					t.Errorf("record %d: corrupted payload byte %d", seen, b)
				}
			}
			v.ReadAdvance()
			seen++
		}
	}()

	wg.Wait()
}
