package clock

import (
	"sync"
	"testing"

	"embeddb/pkg/types"
)

func TestSeqClock(t *testing.T) {
	c := NewSeqClock(10)
	if c.Val() != 10 {
		t.Fatalf("expected 10, got %d", c.Val())
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Next()
			}
		}()
	}
	wg.Wait()

	if c.Val() != 810 {
		t.Fatalf("expected 810, got %d", c.Val())
	}
	if got := c.Add(5); got != 815 {
		t.Fatalf("expected 815, got %d", got)
	}

	c.Advance(100)
	if c.Val() != 815 {
		t.Fatalf("advance must not move the clock back, got %d", c.Val())
	}
	c.Advance(types.SeqNum(900))
	if c.Val() != 900 {
		t.Fatalf("expected 900, got %d", c.Val())
	}

	c.Set(3)
	if c.Val() != 3 {
		t.Fatalf("expected 3, got %d", c.Val())
	}
}
