package alert

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"algo-dashboard/internal/push/dingtalk"
	"algo-dashboard/internal/store"
)

type fakeNotifier struct {
	mu     sync.Mutex
	titles []string
	bodies []string
	resp   *dingtalk.Response
	err    error
}

func (f *fakeNotifier) SendMarkdown(_ context.Context, title, markdown string) (*dingtalk.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.titles = append(f.titles, title)
	f.bodies = append(f.bodies, markdown)
	if f.resp != nil {
		return f.resp, nil
	}
	return &dingtalk.Response{ErrCode: 0, ErrMsg: "ok"}, nil
}

func (f *fakeNotifier) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.titles...)
}

func TestHandleDedup(t *testing.T) {
	n := &fakeNotifier{}
	svc := NewService(n, nil, Config{DedupWindow: time.Minute})
	defer svc.Close()

	req := AlertRequest{Priority: PriorityMed, Title: "NIFTY move", DedupKey: "INDEX_MOVE:NIFTY:med"}
	if res := svc.Handle(context.Background(), req); res.Status != StatusSent {
		t.Fatalf("first status = %s, want sent", res.Status)
	}
	if res := svc.Handle(context.Background(), req); res.Status != StatusSuppressed {
		t.Fatalf("second status = %s, want suppressed", res.Status)
	}

	svc.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if res := svc.Handle(context.Background(), req); res.Status != StatusSent {
		t.Fatalf("after window status = %s, want sent", res.Status)
	}
	if got := len(n.sent()); got != 2 {
		t.Errorf("sent %d, want 2", got)
	}
}

func TestHandleRateLimitAndDigest(t *testing.T) {
	n := &fakeNotifier{}
	svc := NewService(n, nil, Config{
		RateLimit:         RateLimitConfig{PerMinute: 1, Burst: 1},
		LowDigestInterval: time.Hour,
	})

	ctx := context.Background()
	if res := svc.Handle(ctx, AlertRequest{Priority: PriorityMed, Title: "first"}); res.Status != StatusSent {
		t.Fatalf("first = %s", res.Status)
	}
	if res := svc.Handle(ctx, AlertRequest{Priority: PriorityMed, Title: "second"}); res.Status != StatusQueuedDigest {
		t.Fatalf("second = %s, want queued_digest", res.Status)
	}
	if res := svc.Handle(ctx, AlertRequest{Priority: PriorityLow, Title: "quiet", Group: "risk"}); res.Status != StatusQueuedDigest {
		t.Fatalf("low = %s, want queued_digest", res.Status)
	}

	svc.Close()
	sent := n.sent()
	if len(sent) != 2 || sent[1] != "Low Alert Digest" {
		t.Fatalf("sent = %v", sent)
	}
	body := n.bodies[1]
	for _, want := range []string{"### default", "**second**", "### risk", "**quiet**"} {
		if !strings.Contains(body, want) {
			t.Errorf("digest missing %q:\n%s", want, body)
		}
	}
}

func TestHandleSendFailures(t *testing.T) {
	tests := []struct {
		name     string
		notifier Notifier
		wantCode int
	}{
		{name: "no notifier"},
		{name: "transport error", notifier: &fakeNotifier{err: errors.New("dial tcp: refused")}},
		{name: "dingtalk errcode", notifier: &fakeNotifier{resp: &dingtalk.Response{ErrCode: 310000, ErrMsg: "sign not match"}}, wantCode: 310000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.notifier, nil, Config{})
			defer svc.Close()
			res := svc.Handle(context.Background(), AlertRequest{Priority: PriorityHigh, Title: "x"})
			if res.Status != StatusFailed || res.Error == nil {
				t.Fatalf("result = %+v, want failed with error", res)
			}
			if res.DingTalkErrCode != tt.wantCode {
				t.Errorf("errcode = %d, want %d", res.DingTalkErrCode, tt.wantCode)
			}
		})
	}
}

func TestHandleRecordsAlerts(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "alerts.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()

	fixed := time.Date(2025, 3, 14, 10, 0, 0, 0, time.FixedZone("IST", 5*3600+1800))
	svc := NewService(&fakeNotifier{}, st, Config{})
	svc.now = func() time.Time { return fixed }
	defer svc.Close()

	svc.Handle(context.Background(), AlertRequest{Priority: "HIGH", Title: "GOLD loss", Markdown: "### GOLD"})

	rows, err := st.QueryAlertsByDate("2025-03-14", "sent", 10, 0)
	if err != nil {
		t.Fatalf("QueryAlertsByDate: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	if rows[0].Priority != "high" || rows[0].PayloadMD != "### GOLD" || rows[0].GroupName != "default" {
		t.Errorf("row = %+v", rows[0])
	}
}

func TestTokenBucket(t *testing.T) {
	b := NewTokenBucket(60, 2)
	if !b.Allow() || !b.Allow() {
		t.Fatal("burst of 2 should be allowed")
	}
	if b.Allow() {
		t.Fatal("third call should be limited")
	}
	if !b.WaitForToken(2 * time.Second) {
		t.Error("a token should refill within a second at 60/min")
	}

	if !NewTokenBucket(0, 0).Allow() {
		t.Error("disabled bucket should always allow")
	}
}
