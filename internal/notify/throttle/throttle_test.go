package throttle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/hush/internal/triage"
)

type countingSink struct {
	mu  sync.Mutex
	n   int
	err error
}

func (c *countingSink) Send(context.Context, triage.Toast) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.err
}

func (c *countingSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func TestSend_BurstThenBlocks(t *testing.T) {
	t.Parallel()

	sink := &countingSink{}
	n := New(sink, 1, 2) // one per minute, burst 2

	for range 2 {
		if err := n.Send(context.Background(), triage.Toast{Title: "x"}); err != nil {
			t.Fatalf("Send within burst: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := n.Send(ctx, triage.Toast{Title: "x"}); err == nil {
		t.Fatal("expected third toast to be throttled")
	}
	if sink.count() != 2 {
		t.Errorf("delivered = %d, want 2", sink.count())
	}
}

func TestSend_HighUrgencyBypasses(t *testing.T) {
	t.Parallel()

	sink := &countingSink{}
	n := New(sink, 1, 1)
	_ = n.Send(context.Background(), triage.Toast{Title: "x"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := n.Send(ctx, triage.Toast{Title: "vip", Urgency: triage.UrgencyHigh}); err != nil {
		t.Fatalf("high urgency toast throttled: %v", err)
	}
	if sink.count() != 2 {
		t.Errorf("delivered = %d, want 2", sink.count())
	}
}

func TestSend_Unlimited(t *testing.T) {
	t.Parallel()

	sink := &countingSink{}
	n := New(sink, 0, 0)
	for range 100 {
		if err := n.Send(context.Background(), triage.Toast{Title: "x"}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if sink.count() != 100 {
		t.Errorf("delivered = %d, want 100", sink.count())
	}
}

func TestSend_PropagatesSinkError(t *testing.T) {
	t.Parallel()

	errDown := errors.New("sink down")
	n := New(&countingSink{err: errDown}, 0, 0)
	if err := n.Send(context.Background(), triage.Toast{Title: "x"}); !errors.Is(err, errDown) {
		t.Errorf("err = %v, want %v", err, errDown)
	}
}
