package retry

import (
	"context"
	"testing"
	"time"
)

func TestFixedDelayIsConstant(t *testing.T) {
	p := Fixed(3 * time.Second)
	for _, attempt := range []int{0, 1, 5, 100} {
		if d := p.Delay(attempt); d != 3*time.Second {
			t.Fatalf("attempt %d: expected 3s, got %v", attempt, d)
		}
	}
}

func TestExponentialGrowthAndCap(t *testing.T) {
	p := Exponential{Base: time.Second, Max: 8 * time.Second}

	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second,
		8 * time.Second, 8 * time.Second, 8 * time.Second,
	}
	for attempt, w := range want {
		if d := p.Delay(attempt); d != w {
			t.Fatalf("attempt %d: expected %v, got %v", attempt, w, d)
		}
	}
}

func TestExponentialJitterBounds(t *testing.T) {
	p := Exponential{Base: time.Second, Max: time.Second, Jitter: 0.5}

	lo := 750 * time.Millisecond
	hi := 1250 * time.Millisecond
	for i := 0; i < 200; i++ {
		d := p.Delay(3)
		if d < lo || d > hi {
			t.Fatalf("jittered delay %v outside [%v, %v]", d, lo, hi)
		}
	}
}

func TestWaitHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Wait(ctx, Fixed(5*time.Second), 0)
	if err == nil {
		t.Fatal("expected context error")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("Wait did not return promptly on cancellation")
	}
}

func TestWaitSleepsApproximately(t *testing.T) {
	start := time.Now()
	if err := Wait(context.Background(), Fixed(20*time.Millisecond), 0); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("Wait returned after %v, before the delay elapsed", elapsed)
	}
}
