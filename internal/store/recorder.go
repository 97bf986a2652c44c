package store

import (
	"context"
	"sync"
	"time"

	"algo-dashboard/internal/snapshot"

	"github.com/cloudwego/hertz/pkg/common/hlog"
)

// Recorder persists at most one snapshot per interval.
type Recorder struct {
	st       *Store
	interval time.Duration

	mu   sync.Mutex
	last time.Time
}

func NewRecorder(st *Store, interval time.Duration) *Recorder {
	if interval < 0 {
		interval = 0
	}
	return &Recorder{st: st, interval: interval}
}

func (r *Recorder) OnSnapshot(ctx context.Context, s snapshot.Snapshot) {
	if r.st == nil {
		return
	}
	r.mu.Lock()
	if !r.last.IsZero() && s.UpdatedAt.Sub(r.last) < r.interval {
		r.mu.Unlock()
		return
	}
	r.last = s.UpdatedAt
	r.mu.Unlock()

	if err := r.st.InsertSnapshot(ctx, s); err != nil {
		hlog.Errorf("record snapshot error: %v", err)
	}
}
