package bus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmit_AssignsMonotonicSeq(t *testing.T) {
	b := New()

	s1 := b.Emit("a", nil)
	s2 := b.Emit("b", nil)
	s3 := b.Emit("c", nil)

	assert.Equal(t, uint64(1), s1)
	assert.Equal(t, uint64(2), s2)
	assert.Equal(t, uint64(3), s3)
	assert.Equal(t, uint64(3), b.CurrentSeq())
}

func TestSubscribe_ReceivesInOrder(t *testing.T) {
	b := New()
	sub := b.Subscribe(nil)
	defer b.Unsubscribe(sub)

	for i := 0; i < 10; i++ {
		b.Emit("tick", i)
	}

	var last uint64
	for i := 0; i < 10; i++ {
		ev := <-sub.C()
		require.Greater(t, ev.Seq, last, "seq must strictly increase")
		last = ev.Seq
		assert.Equal(t, "tick", ev.Kind)
		assert.Equal(t, i, ev.Payload)
	}
}

func TestSubscribe_Filter(t *testing.T) {
	b := New()
	sub := b.Subscribe(func(kind string) bool { return kind == "wanted" })
	defer b.Unsubscribe(sub)

	b.Emit("ignored", nil)
	b.Emit("wanted", "yes")
	b.Emit("ignored", nil)

	ev := <-sub.C()
	assert.Equal(t, "wanted", ev.Kind)
	assert.Equal(t, "yes", ev.Payload)

	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected event: %+v", ev)
	default:
	}
}

func TestEmit_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := New()
	// Never read from this subscription; its buffer will overflow.
	stuck := b.Subscribe(nil)
	defer b.Unsubscribe(stuck)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Emit("flood", i)
		}
		close(done)
	}()

	<-done
	assert.Equal(t, uint64(1000), b.CurrentSeq())
}

func TestEmit_ConcurrentSeqNeverReused(t *testing.T) {
	b := New()
	const goroutines = 8
	const perG = 250

	var mu sync.Mutex
	seen := make(map[uint64]bool)

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perG; i++ {
				seq := b.Emit("n", nil)
				mu.Lock()
				require.False(t, seen[seq], "seq %d assigned twice", seq)
				seen[seq] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, goroutines*perG)
	assert.Equal(t, uint64(goroutines*perG), b.CurrentSeq())
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	b := New()
	sub := b.Subscribe(nil)
	b.Unsubscribe(sub)
	b.Unsubscribe(sub) // second call is a no-op

	// Emitting after unsubscribe must not panic on the closed channel.
	b.Emit("after", nil)
}
