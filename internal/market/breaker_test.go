package market

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type scriptedSource struct {
	results []FetchResult
	calls   int
}

func (s *scriptedSource) FetchPrice(_ context.Context, _ string) FetchResult {
	res := s.results[s.calls%len(s.results)]
	s.calls++
	return res
}

func TestGuardedSourceOpensAfterThreshold(t *testing.T) {
	src := &scriptedSource{results: []FetchResult{Unavailable("boom")}}
	g := NewGuardedSource(src, BreakerConfig{FailureThreshold: 3, SuccessThreshold: 1, Cooldown: time.Minute})

	for i := 0; i < 3; i++ {
		g.FetchPrice(context.Background(), "k")
	}
	if g.State() != BreakerOpen {
		t.Fatalf("state = %s, want OPEN", g.State())
	}

	res := g.FetchPrice(context.Background(), "k")
	if res.OK || res.Reason != "circuit open" {
		t.Errorf("got %+v, want circuit open", res)
	}
	if src.calls != 3 {
		t.Errorf("upstream calls = %d, want 3", src.calls)
	}
	if g.Connected() {
		t.Error("Connected() should be false while open")
	}
}

func TestGuardedSourceRecoversAfterCooldown(t *testing.T) {
	src := &scriptedSource{results: []FetchResult{Unavailable("boom"), Unavailable("boom"), Available(10)}}
	g := NewGuardedSource(src, BreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, Cooldown: time.Second})
	now := time.Unix(1000, 0)
	g.now = func() time.Time { return now }

	g.FetchPrice(context.Background(), "k")
	g.FetchPrice(context.Background(), "k")
	if g.State() != BreakerOpen {
		t.Fatalf("state = %s, want OPEN", g.State())
	}

	now = now.Add(2 * time.Second)
	res := g.FetchPrice(context.Background(), "k")
	if !res.OK || res.Price != 10 {
		t.Fatalf("probe result = %+v", res)
	}
	if g.State() != BreakerClosed {
		t.Errorf("state = %s, want CLOSED", g.State())
	}
	if !g.Connected() {
		t.Error("Connected() should be true after a successful probe")
	}
}

func TestGuardedSourceHalfOpenFailureReopens(t *testing.T) {
	src := &scriptedSource{results: []FetchResult{Unavailable("boom")}}
	g := NewGuardedSource(src, BreakerConfig{FailureThreshold: 1, Cooldown: time.Second})
	now := time.Unix(1000, 0)
	g.now = func() time.Time { return now }

	g.FetchPrice(context.Background(), "k")
	now = now.Add(2 * time.Second)
	g.FetchPrice(context.Background(), "k")
	if g.State() != BreakerOpen {
		t.Errorf("state = %s, want OPEN", g.State())
	}
}

type gatedSource struct {
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (s *gatedSource) FetchPrice(_ context.Context, _ string) FetchResult {
	s.calls.Add(1)
	s.entered <- struct{}{}
	<-s.release
	return Available(42)
}

func TestGuardedSourceHalfOpenAdmitsOneTrial(t *testing.T) {
	src := &gatedSource{entered: make(chan struct{}, 1), release: make(chan struct{})}
	g := NewGuardedSource(src, BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: time.Second})
	now := time.Unix(1000, 0)
	g.now = func() time.Time { return now }
	g.recordFailure("boom")
	if g.State() != BreakerOpen {
		t.Fatalf("state = %s, want OPEN", g.State())
	}

	now = now.Add(2 * time.Second)
	done := make(chan FetchResult, 1)
	go func() { done <- g.FetchPrice(context.Background(), "k") }()

	select {
	case <-src.entered:
	case <-time.After(time.Second):
		t.Fatal("trial lookup never reached the upstream")
	}
	for i := 0; i < 3; i++ {
		res := g.FetchPrice(context.Background(), "k")
		if res.OK || res.Reason != "circuit half-open" {
			t.Errorf("concurrent lookup %d = %+v, want circuit half-open", i, res)
		}
	}
	if n := src.calls.Load(); n != 1 {
		t.Errorf("upstream calls = %d, want 1", n)
	}

	close(src.release)
	if res := <-done; !res.OK {
		t.Fatalf("trial result = %+v", res)
	}
	if g.State() != BreakerClosed {
		t.Errorf("state = %s, want CLOSED", g.State())
	}
}
