package painter

import (
	"testing"
	"time"
)

type manualClock struct{ t time.Time }

func (c *manualClock) now() time.Time { return c.t }

func TestCooldown_RemainingCountsDown(t *testing.T) {
	clk := &manualClock{t: time.Unix(1000, 0)}
	c := NewCooldown(clk.now)
	if got := c.Remaining(); got != 0 {
		t.Fatalf("initial remaining=%s want=0", got)
	}
	c.Update(30)
	clk.t = clk.t.Add(10 * time.Second)
	if got := c.Remaining(); got != 20*time.Second {
		t.Fatalf("remaining=%s want=20s", got)
	}
	clk.t = clk.t.Add(time.Minute)
	if got := c.Remaining(); got != 0 {
		t.Fatalf("expired remaining=%s want=0", got)
	}
}

func TestCooldown_ExcessAboveCeiling(t *testing.T) {
	clk := &manualClock{t: time.Unix(1000, 0)}
	c := NewCooldown(clk.now)
	c.Update(120)
	if got := c.Excess(); got != 0 {
		t.Fatalf("excess without ceiling=%s want=0", got)
	}
	c.SetCeiling(94)
	if got := c.Excess(); got != 26*time.Second {
		t.Fatalf("excess=%s want=26s", got)
	}
	clk.t = clk.t.Add(30 * time.Second)
	if got := c.Excess(); got != 0 {
		t.Fatalf("excess after wait=%s want=0", got)
	}
	if got := c.Ceiling(); got != 94 {
		t.Fatalf("ceiling=%v want=94", got)
	}
}
