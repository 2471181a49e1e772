package dedup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDoCoalescesConcurrentCalls(t *testing.T) {
	d := New[int]()

	var producerCalls int32
	release := make(chan struct{})

	producer := func(ctx context.Context) (int, error) {
		atomic.AddInt32(&producerCalls, 1)
		<-release
		return 42, nil
	}

	const waiters = 100
	var wg sync.WaitGroup
	results := make([]int, waiters)
	errs := make([]error, waiters)

	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := d.Do(context.Background(), "key", producer)
			results[i] = v
			errs[i] = err
		}(i)
	}

	// Give every goroutine a chance to join the in-flight call before
	// releasing the producer.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := atomic.LoadInt32(&producerCalls); n != 1 {
		t.Fatalf("producer invoked %d times, want 1", n)
	}
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("waiter %d: unexpected error %v", i, errs[i])
		}
		if results[i] != 42 {
			t.Fatalf("waiter %d: got %d, want 42", i, results[i])
		}
	}
}

func TestDoSharesProducerError(t *testing.T) {
	d := New[int]()
	wantErr := errors.New("boom")
	release := make(chan struct{})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := d.Do(context.Background(), "key", func(ctx context.Context) (int, error) {
				<-release
				return 0, wantErr
			})
			errs[i] = err
		}(i)
	}

	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, wantErr) {
			t.Fatalf("waiter %d: got %v, want %v", i, err, wantErr)
		}
	}
}

func TestDoRemovesCompletedEntry(t *testing.T) {
	d := New[int]()

	_, err := d.Do(context.Background(), "key", func(ctx context.Context) (int, error) {
		return 1, nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}

	if d.InFlight("key") {
		t.Fatal("completed call should have been removed")
	}

	var calls int32
	_, _ = d.Do(context.Background(), "key", func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 2, nil
	})
	if calls != 1 {
		t.Fatal("second Do with the same key should start a fresh producer")
	}
}

func TestDoWaiterCancellationDoesNotCancelProducer(t *testing.T) {
	d := New[int]()
	release := make(chan struct{})
	var producerCompleted int32

	go func() {
		_, _ = d.Do(context.Background(), "key", func(ctx context.Context) (int, error) {
			<-release
			atomic.StoreInt32(&producerCompleted, 1)
			return 7, nil
		})
	}()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Do(ctx, "key", func(ctx context.Context) (int, error) {
		t.Fatal("joining waiter must not start its own producer")
		return 0, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}

	close(release)
	time.Sleep(10 * time.Millisecond)
	if atomic.LoadInt32(&producerCompleted) != 1 {
		t.Fatal("producer should have completed despite a waiter's cancellation")
	}
}
