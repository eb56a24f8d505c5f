package broadcast

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"testing/iotest"

	"go.uber.org/goleak"
)

func TestTeeDeliversIdenticalBytesToAllConsumers(t *testing.T) {
	defer goleak.VerifyNone(t)
	src := strings.Repeat("0123456789", 1000)
	tee, readers := NewTee(strings.NewReader(src), 3, DefaultBufBound)
	go tee.Run()

	var wg sync.WaitGroup
	results := make([]string, len(readers))
	for i, r := range readers {
		wg.Add(1)
		go func(i int, r io.Reader) {
			defer wg.Done()
			b, err := io.ReadAll(r)
			if err != nil {
				t.Errorf("consumer %d: %v", i, err)
				return
			}
			results[i] = string(b)
		}(i, r)
	}
	wg.Wait()

	for i, got := range results {
		if got != src {
			t.Errorf("consumer %d mismatch: len(got)=%d len(want)=%d", i, len(got), len(src))
		}
	}
}

func TestTeeSingleConsumer(t *testing.T) {
	defer goleak.VerifyNone(t)
	tee, readers := NewTee(bytes.NewReader([]byte("hello")), 1, 0)
	go tee.Run()
	b, err := io.ReadAll(readers[0])
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "hello" {
		t.Errorf("got %q", b)
	}
}

// TestStalledConsumerDoesNotBlockOthers verifies a consumer that never reads
// is cut off once it exceeds its buffer bound, rather than stalling its
// sibling consumer or the pump goroutine.
func TestStalledConsumerDoesNotBlockOthers(t *testing.T) {
	defer goleak.VerifyNone(t)
	payload := strings.Repeat("x", 10_000)
	// One-byte reads force the pump to fan out many small chunks instead of
	// the whole payload in a single Read, so the stalled consumer's buffer
	// bound is crossed partway through rather than on the first chunk. The
	// pump never waits for a reader, so the draining leg gets a bound that
	// holds the whole payload; only the never-read leg has the tiny bound.
	tee, readers := NewTeeBounds(iotest.OneByteReader(strings.NewReader(payload)), []int{len(payload), 100})
	go tee.Run()

	// Reader 0 drains normally.
	done := make(chan struct{})
	var fastResult []byte
	go func() {
		defer close(done)
		fastResult, _ = io.ReadAll(readers[0])
	}()

	<-done
	if len(fastResult) != len(payload) {
		t.Errorf("fast consumer got %d bytes, want %d", len(fastResult), len(payload))
	}

	// Reader 1 never read; it should observe ErrStalled rather than hang.
	_, err := readers[1].Read(make([]byte, 1))
	if !errors.Is(err, ErrStalled) {
		t.Errorf("stalled consumer err = %v, want ErrStalled", err)
	}
}

// TestNewTeeBoundsExemptsUnboundedLeg verifies an Unbounded leg survives a
// burst that would stall any leg carrying the default bound, while a
// sibling leg with a tiny bound is still cut off as expected.
func TestNewTeeBoundsExemptsUnboundedLeg(t *testing.T) {
	defer goleak.VerifyNone(t)
	payload := strings.Repeat("z", 10_000)
	tee, readers := NewTeeBounds(iotest.OneByteReader(strings.NewReader(payload)), []int{Unbounded, 100})
	go tee.Run()

	done := make(chan struct{})
	var unboundedResult []byte
	go func() {
		defer close(done)
		unboundedResult, _ = io.ReadAll(readers[0])
	}()
	<-done

	if len(unboundedResult) != len(payload) {
		t.Errorf("unbounded leg got %d bytes, want %d", len(unboundedResult), len(payload))
	}

	_, err := readers[1].Read(make([]byte, 1))
	if !errors.Is(err, ErrStalled) {
		t.Errorf("tiny-bound leg err = %v, want ErrStalled", err)
	}
}

func TestCloseStopsFurtherDelivery(t *testing.T) {
	defer goleak.VerifyNone(t)
	tee, readers := NewTee(strings.NewReader(strings.Repeat("y", 1000)), 1, DefaultBufBound)
	readers[0].Close()
	tee.Run()
}
