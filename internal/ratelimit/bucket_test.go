package ratelimit

import (
	"context"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestBucket(p Profile) (*Bucket, *fakeClock) {
	fc := &fakeClock{t: time.Unix(0, 0)}
	return New("example.com", p, fc.now), fc
}

func Test_Bucket_AcquireWithinBurstNeverWaits(t *testing.T) {
	p := DefaultProfile()
	p.Burst = 3
	p.InitialRPS = 1
	b, _ := newTestBucket(p)

	for i := 0; i < 3; i++ {
		if err := b.Acquire(context.Background(), time.Second); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
}

func Test_Bucket_AcquireFailsWhenWaitExceedsMax(t *testing.T) {
	p := DefaultProfile()
	p.Burst = 1
	p.InitialRPS = 0.1 // very slow refill
	b, _ := newTestBucket(p)

	if err := b.Acquire(context.Background(), time.Second); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	err := b.Acquire(context.Background(), 10*time.Millisecond)
	if err == nil {
		t.Fatal("expected ErrWaitExceeded")
	}
	if _, ok := err.(*ErrWaitExceeded); !ok {
		t.Fatalf("got %T, want *ErrWaitExceeded", err)
	}
}

func Test_Bucket_CurrentRPSStaysWithinBounds(t *testing.T) {
	p := DefaultProfile()
	p.MinRPS = 1
	p.MaxRPS = 4
	p.InitialRPS = 2
	p.BackoffMultiplier = 0.1
	p.RecoveryMultiplier = 10
	b, _ := newTestBucket(p)

	for i := 0; i < 20; i++ {
		b.Observe(Outcome{Status: 429})
	}
	if got := b.CurrentRPS(); got < p.MinRPS || got > p.MaxRPS {
		t.Fatalf("currentRPS=%v out of [%v,%v]", got, p.MinRPS, p.MaxRPS)
	}

	for i := 0; i < 50; i++ {
		b.Observe(Outcome{Status: 200})
	}
	if got := b.CurrentRPS(); got < p.MinRPS || got > p.MaxRPS {
		t.Fatalf("currentRPS=%v out of [%v,%v]", got, p.MinRPS, p.MaxRPS)
	}
}

func Test_Bucket_RateLimitedSetsPauseUntil(t *testing.T) {
	p := DefaultProfile()
	b, fc := newTestBucket(p)
	_ = fc

	b.Observe(Outcome{Status: 429, RetryAfter: 2 * time.Second})
	if b.PauseUntil().IsZero() {
		t.Fatal("expected pauseUntil to be set")
	}
}

func Test_Bucket_StopRejectsAcquire(t *testing.T) {
	p := DefaultProfile()
	b, _ := newTestBucket(p)
	b.Stop()
	err := b.Acquire(context.Background(), time.Second)
	if _, ok := err.(*ErrStopped); !ok {
		t.Fatalf("got %T, want *ErrStopped", err)
	}
}

func Test_Bucket_HistoryBoundedAt100(t *testing.T) {
	p := DefaultProfile()
	p.BackoffMultiplier = 0.99 // ensures each call still changes currentRPS slightly
	b, _ := newTestBucket(p)
	for i := 0; i < 250; i++ {
		b.Observe(Outcome{Status: 429})
	}
	if len(b.History()) > historyCap {
		t.Fatalf("history length %d exceeds cap %d", len(b.History()), historyCap)
	}
}
