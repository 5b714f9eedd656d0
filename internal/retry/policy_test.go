package retry

import (
	"context"
	"testing"
	"time"
)

func TestDelayGrowth(t *testing.T) {
	p := Policy{Base: 100 * time.Millisecond, Max: 1 * time.Second, Multiplier: 2}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, 1 * time.Second},
		{10, 1 * time.Second},
	}
	for _, tc := range cases {
		if got := p.Delay(tc.attempt); got != tc.want {
			t.Errorf("Delay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestDelayNegativeAttempt(t *testing.T) {
	p := Default()
	if got := p.Delay(-3); got != p.Base {
		t.Errorf("Delay(-3) = %v, want base %v", got, p.Base)
	}
}

func TestZeroValueUsesDefaults(t *testing.T) {
	var p Policy
	if got := p.Delay(0); got != 1*time.Second {
		t.Errorf("zero-value Delay(0) = %v, want 1s", got)
	}
	if got := p.Delay(100); got != 10*time.Second {
		t.Errorf("zero-value Delay(100) = %v, want capped 10s", got)
	}
}

func TestSleepCancelled(t *testing.T) {
	p := Policy{Base: 10 * time.Second, Max: 10 * time.Second, Multiplier: 2}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if p.Sleep(ctx, 0) {
		t.Fatal("Sleep should return false on cancelled context")
	}
}

func TestSleepCompletes(t *testing.T) {
	p := Policy{Base: 5 * time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 1}
	if !p.Sleep(context.Background(), 0) {
		t.Fatal("Sleep should return true after waiting out the delay")
	}
}
