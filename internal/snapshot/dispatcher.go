package snapshot

import (
	"context"
	"sync/atomic"

	"github.com/cloudwego/hertz/pkg/common/hlog"
)

// Sink consumes refreshed snapshots off the request path.
type Sink interface {
	OnSnapshot(ctx context.Context, s Snapshot)
}

type SinkFunc func(ctx context.Context, s Snapshot)

func (f SinkFunc) OnSnapshot(ctx context.Context, s Snapshot) { f(ctx, s) }

// Dispatcher fans snapshots out to sinks on a single worker. Publish never
// blocks; when the queue is full the snapshot is dropped.
type Dispatcher struct {
	ch      chan Snapshot
	sinks   []Sink
	dropped atomic.Int64
	done    chan struct{}
}

func NewDispatcher(queueSize int, sinks ...Sink) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 16
	}
	return &Dispatcher{
		ch:    make(chan Snapshot, queueSize),
		sinks: sinks,
		done:  make(chan struct{}),
	}
}

func (d *Dispatcher) Publish(s Snapshot) bool {
	select {
	case d.ch <- s:
		return true
	default:
		n := d.dropped.Add(1)
		hlog.Warnf("snapshot queue full, dropped=%d", n)
		return false
	}
}

func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Done is closed once Run has returned, after any in-flight sink call.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Run delivers queued snapshots until ctx is done. Call it once.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-d.ch:
			for _, sink := range d.sinks {
				sink.OnSnapshot(ctx, s)
			}
		}
	}
}
