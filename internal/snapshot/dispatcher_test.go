package snapshot

import (
	"context"
	"testing"
	"time"
)

func TestDispatcherDeliversToAllSinks(t *testing.T) {
	got := make(chan string, 4)
	a := SinkFunc(func(_ context.Context, s Snapshot) { got <- "a:" + string(s.Source) })
	b := SinkFunc(func(_ context.Context, s Snapshot) { got <- "b:" + string(s.Source) })
	d := NewDispatcher(4, a, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	p := New(testConfig(), nil, seeded(), WithDispatcher(d))
	p.Refresh(context.Background())

	want := []string{"a:SIMULATED", "b:SIMULATED"}
	for _, w := range want {
		select {
		case g := <-got:
			if g != w {
				t.Errorf("got %q, want %q", g, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %q", w)
		}
	}
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	d := NewDispatcher(1)
	if !d.Publish(Snapshot{}) {
		t.Fatal("first publish should be queued")
	}
	if d.Publish(Snapshot{}) {
		t.Fatal("second publish should be dropped")
	}
	if d.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", d.Dropped())
	}
}

func TestDispatcherDoneWaitsForInflightSink(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	slow := SinkFunc(func(context.Context, Snapshot) {
		close(entered)
		<-release
	})
	d := NewDispatcher(1, slow)

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	d.Publish(Snapshot{})
	<-entered
	cancel()

	select {
	case <-d.Done():
		t.Fatal("Done closed while a sink was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-d.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after Run returned")
	}
}
