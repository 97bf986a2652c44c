package alert

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"algo-dashboard/internal/push/dingtalk"
	"algo-dashboard/internal/store"

	"github.com/cloudwego/hertz/pkg/common/hlog"
)

type Priority string

const (
	PriorityHigh Priority = "high"
	PriorityMed  Priority = "med"
	PriorityLow  Priority = "low"
)

type AlertRequest struct {
	Priority Priority
	Group    string
	Title    string
	Markdown string
	DedupKey string
}

type Status string

const (
	StatusSent         Status = "sent"
	StatusFailed       Status = "failed"
	StatusSuppressed   Status = "suppressed"
	StatusQueuedDigest Status = "queued_digest"
)

type Result struct {
	Status          Status
	Error           error
	DingTalkErrCode int
	DingTalkErrMsg  string
}

// Notifier delivers a rendered alert. *dingtalk.Client satisfies it.
type Notifier interface {
	SendMarkdown(ctx context.Context, title, markdown string) (*dingtalk.Response, error)
}

type Config struct {
	RateLimit         RateLimitConfig
	DedupWindow       time.Duration
	LowDigestInterval time.Duration
}

type RateLimitConfig struct {
	PerMinute int
	Burst     int
}

type Service struct {
	notifier Notifier
	cfg      Config
	limiter  *TokenBucket
	store    *store.Store
	now      func() time.Time

	dedupMu sync.Mutex
	dedup   map[string]time.Time

	digestMu sync.Mutex
	digest   map[string][]AlertRequest

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewService(n Notifier, st *store.Store, cfg Config) *Service {
	s := &Service{
		notifier: n,
		cfg:      cfg,
		limiter:  NewTokenBucket(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst),
		store:    st,
		now:      time.Now,
		dedup:    make(map[string]time.Time),
		digest:   make(map[string][]AlertRequest),
		stopCh:   make(chan struct{}),
	}
	if cfg.LowDigestInterval > 0 {
		go s.runDigestLoop()
	}
	return s
}

// Close stops the digest loop and sends whatever is still queued.
func (s *Service) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.flushDigest(context.Background())
	})
}

func (s *Service) Handle(ctx context.Context, req AlertRequest) Result {
	req = normalize(req)
	if s.isDeduped(req) {
		res := Result{Status: StatusSuppressed}
		s.recordAlert(req, res, "")
		return res
	}

	res, payload := s.sendOrDigest(ctx, req)
	s.recordAlert(req, res, payload)
	return res
}

func (s *Service) sendOrDigest(ctx context.Context, req AlertRequest) (Result, string) {
	if req.Priority == PriorityLow {
		s.addDigest(req)
		return Result{Status: StatusQueuedDigest}, ""
	}
	if s.limiter.Allow() {
		return s.sendNow(ctx, req), req.Markdown
	}
	if req.Priority == PriorityHigh && s.limiter.WaitForToken(2*time.Second) {
		return s.sendNow(ctx, req), req.Markdown
	}
	s.addDigest(req)
	return Result{Status: StatusQueuedDigest}, ""
}

func (s *Service) sendNow(ctx context.Context, req AlertRequest) Result {
	if s.notifier == nil {
		return Result{Status: StatusFailed, Error: fmt.Errorf("notifier not configured")}
	}
	resp, err := s.notifier.SendMarkdown(ctx, req.Title, req.Markdown)
	if err != nil {
		return Result{Status: StatusFailed, Error: err}
	}
	if !resp.OK() {
		return Result{
			Status:          StatusFailed,
			DingTalkErrCode: resp.ErrCode,
			DingTalkErrMsg:  resp.ErrMsg,
			Error:           fmt.Errorf("dingtalk errcode=%d errmsg=%s", resp.ErrCode, resp.ErrMsg),
		}
	}
	return Result{Status: StatusSent}
}

func (s *Service) isDeduped(req AlertRequest) bool {
	if req.DedupKey == "" || s.cfg.DedupWindow <= 0 {
		return false
	}
	now := s.now()
	s.dedupMu.Lock()
	defer s.dedupMu.Unlock()
	if last, ok := s.dedup[req.DedupKey]; ok && now.Sub(last) <= s.cfg.DedupWindow {
		return true
	}
	s.dedup[req.DedupKey] = now
	return false
}

func (s *Service) addDigest(req AlertRequest) {
	if s.cfg.LowDigestInterval <= 0 {
		return
	}
	s.digestMu.Lock()
	defer s.digestMu.Unlock()
	s.digest[req.Group] = append(s.digest[req.Group], req)
}

func (s *Service) runDigestLoop() {
	ticker := time.NewTicker(s.cfg.LowDigestInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.flushDigest(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

func (s *Service) flushDigest(ctx context.Context) {
	groups := s.swapDigest()
	if len(groups) == 0 {
		return
	}
	if s.notifier == nil {
		hlog.Warnf("digest send skipped: notifier not configured")
		return
	}
	resp, err := s.notifier.SendMarkdown(ctx, "Low Alert Digest", buildDigestMarkdown(groups))
	if err != nil {
		hlog.Errorf("digest send error: %v", err)
		return
	}
	if !resp.OK() {
		hlog.Errorf("digest dingtalk error: errcode=%d errmsg=%s", resp.ErrCode, resp.ErrMsg)
	}
}

func (s *Service) swapDigest() map[string][]AlertRequest {
	s.digestMu.Lock()
	defer s.digestMu.Unlock()
	if len(s.digest) == 0 {
		return nil
	}
	out := s.digest
	s.digest = make(map[string][]AlertRequest)
	return out
}

func (s *Service) recordAlert(req AlertRequest, res Result, payload string) {
	if s.store == nil {
		return
	}
	rec := store.AlertRecord{
		TS:              s.now().Unix(),
		Priority:        string(req.Priority),
		GroupName:       req.Group,
		Title:           req.Title,
		DedupKey:        req.DedupKey,
		Status:          string(res.Status),
		Channel:         "dingtalk",
		DingTalkErrCode: res.DingTalkErrCode,
		DingTalkErrMsg:  res.DingTalkErrMsg,
		PayloadMD:       payload,
	}
	if err := s.store.InsertAlert(rec); err != nil {
		hlog.Errorf("insert alert record error: %v", err)
	}
}

func buildDigestMarkdown(groups map[string][]AlertRequest) string {
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, g := range keys {
		b.WriteString("### ")
		b.WriteString(g)
		b.WriteString("\n")
		for _, a := range groups[g] {
			title := a.Title
			if title == "" {
				title = "(no title)"
			}
			b.WriteString("- **")
			b.WriteString(title)
			b.WriteString("**\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}

func normalize(req AlertRequest) AlertRequest {
	req.Priority = Priority(strings.ToLower(string(req.Priority)))
	switch req.Priority {
	case PriorityHigh, PriorityMed, PriorityLow:
	default:
		req.Priority = PriorityMed
	}
	if req.Group == "" {
		req.Group = "default"
	}
	return req
}
