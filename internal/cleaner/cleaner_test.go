package cleaner

import (
	"context"
	"errors"
	"testing"
)

func TestCleanRunsInReverseOrder(t *testing.T) {
	var order []int
	flushed := false
	c := NewCleaner(Func(func(context.Context) error {
		flushed = true
		return nil
	}))
	for i := 1; i <= 3; i++ {
		n := i
		c.Add(Func(func(ctx context.Context) error {
			if _, ok := ctx.Deadline(); !ok {
				t.Error("cleaner invoked without deadline")
			}
			order = append(order, n)
			return nil
		}))
	}
	if err := c.Clean(); err != nil {
		t.Fatal(err)
	}
	if len(order) != 3 || order[0] != 3 || order[2] != 1 {
		t.Errorf("unexpected order %v", order)
	}
	if !flushed {
		t.Error("logger shutdown was not invoked")
	}
}

func TestCleanCollectsErrors(t *testing.T) {
	boom := errors.New("boom")
	ran := false
	c := NewCleaner(nil)
	c.Add(Func(func(context.Context) error { ran = true; return nil }))
	c.Add(Func(func(context.Context) error { return boom }))
	err := c.Clean()
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if !ran {
		t.Error("a failing cleaner stopped the remaining ones")
	}
	c.Add(Func(func(context.Context) error { t.Error("added after shutdown"); return nil }))
	if err := c.Clean(); err != nil {
		t.Errorf("second Clean should be a no-op, got %v", err)
	}
}
