package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"

	"algo-dashboard/internal/alert"
	"algo-dashboard/internal/riskagent"
	"algo-dashboard/internal/snapshot"
	"algo-dashboard/internal/store"

	"github.com/cloudwego/hertz/pkg/common/hlog"
)

const (
	RuleIndexMove    = "INDEX_MOVE"
	RulePositionLoss = "POSITION_LOSS"
)

type Config struct {
	IndexMove    Threshold
	PositionLoss Threshold
	CooldownSec  CooldownConfig
}

// Threshold holds percent magnitudes; both are positive.
type Threshold struct {
	MedPct  float64
	HighPct float64
}

type CooldownConfig struct {
	IndexMove    int
	PositionLoss int
}

// Engine evaluates risk rules against every published snapshot. It is a
// snapshot.Sink and runs on the dispatcher worker.
type Engine struct {
	cfg      Config
	store    *store.Store
	alertSvc *alert.Service
	agent    *riskagent.Agent

	mu       sync.Mutex
	cooldown map[string]int64
}

func New(cfg Config, st *store.Store, alertSvc *alert.Service, agent *riskagent.Agent) *Engine {
	if cfg.IndexMove.MedPct <= 0 {
		cfg.IndexMove.MedPct = 1.0
	}
	if cfg.IndexMove.HighPct <= 0 {
		cfg.IndexMove.HighPct = 2.0
	}
	if cfg.PositionLoss.MedPct <= 0 {
		cfg.PositionLoss.MedPct = 5.0
	}
	if cfg.PositionLoss.HighPct <= 0 {
		cfg.PositionLoss.HighPct = 10.0
	}
	if cfg.CooldownSec.IndexMove <= 0 {
		cfg.CooldownSec.IndexMove = 600
	}
	if cfg.CooldownSec.PositionLoss <= 0 {
		cfg.CooldownSec.PositionLoss = 300
	}
	return &Engine{
		cfg:      cfg,
		store:    st,
		alertSvc: alertSvc,
		agent:    agent,
		cooldown: make(map[string]int64),
	}
}

// hit is one rule firing before it is stored and alerted.
type hit struct {
	rule      string
	severity  string
	symbol    string
	price     float64
	changePct float64
	pnl       float64
	pnlPct    float64
	threshold float64
}

func (e *Engine) OnSnapshot(ctx context.Context, s snapshot.Snapshot) {
	ts := s.UpdatedAt.Unix()
	for _, h := range e.evaluate(s) {
		e.emit(ctx, ts, s.Source, h)
	}
}

// evaluate applies the rules and cooldowns to s and returns the hits that
// should be emitted.
func (e *Engine) evaluate(s snapshot.Snapshot) []hit {
	ts := s.UpdatedAt.Unix()
	var out []hit
	for _, in := range s.Instruments {
		if in.Group != snapshot.GroupIndex {
			continue
		}
		cp := in.ChangePct()
		sev, thr := grade(math.Abs(cp), e.cfg.IndexMove)
		if sev == "" || !e.checkCooldown(RuleIndexMove, in.Symbol, sev, ts, e.cfg.CooldownSec.IndexMove) {
			continue
		}
		out = append(out, hit{rule: RuleIndexMove, severity: sev, symbol: in.Symbol, price: in.Price, changePct: cp, threshold: thr})
	}
	for _, p := range s.Positions {
		pct := p.PnLPct()
		if pct >= 0 {
			continue
		}
		sev, thr := grade(-pct, e.cfg.PositionLoss)
		if sev == "" || !e.checkCooldown(RulePositionLoss, p.Symbol, sev, ts, e.cfg.CooldownSec.PositionLoss) {
			continue
		}
		out = append(out, hit{rule: RulePositionLoss, severity: sev, symbol: p.Symbol, price: p.LTP, pnl: p.PnL(), pnlPct: pct, threshold: thr})
	}
	return out
}

func grade(magnitude float64, t Threshold) (string, float64) {
	switch {
	case magnitude >= t.HighPct:
		return "high", t.HighPct
	case magnitude >= t.MedPct:
		return "med", t.MedPct
	default:
		return "", 0
	}
}

func (e *Engine) emit(ctx context.Context, ts int64, source snapshot.DataSource, h hit) {
	dedupKey := fmt.Sprintf("%s:%s:%s", h.rule, h.symbol, h.severity)
	evidence, _ := json.Marshal(map[string]any{
		"price":       h.price,
		"change_pct":  h.changePct,
		"pnl":         h.pnl,
		"pnl_pct":     h.pnlPct,
		"threshold":   h.threshold,
		"data_source": source,
	})
	evt := store.EventRecord{
		TS:           ts,
		Type:         h.rule,
		Severity:     h.severity,
		Symbol:       h.symbol,
		Title:        buildEventTitle(h),
		DedupKey:     dedupKey,
		EvidenceJSON: string(evidence),
	}
	eventID, err := e.store.InsertEventReturnID(evt)
	if err != nil {
		hlog.Errorf("insert event error: %v", err)
	}
	hlog.Infof("rule hit: %s", evt.Title)

	if e.alertSvc == nil {
		return
	}

	input := riskagent.EventInput{
		EventID:   eventID,
		Type:      h.rule,
		Severity:  h.severity,
		Symbol:    h.symbol,
		Price:     h.price,
		ChangePct: h.changePct,
		PnL:       h.pnl,
		PnLPct:    h.pnlPct,
		Threshold: h.threshold,
		Source:    string(source),
	}
	decision, err := e.agent.Evaluate(ctx, input)
	if err != nil {
		hlog.Warnf("riskagent evaluate error: %v", err)
	}

	priority := alert.Priority(strings.ToLower(decision.Severity))
	if priority != alert.PriorityHigh && priority != alert.PriorityMed {
		priority = alert.PriorityLow
	}
	res := e.alertSvc.Handle(ctx, alert.AlertRequest{
		Priority: priority,
		Group:    "risk",
		Title:    evt.Title,
		Markdown: riskagent.FormatMarkdown(evt.Title, decision),
		DedupKey: dedupKey,
	})
	if res.Error != nil {
		hlog.Warnf("alert handle error: %v", res.Error)
	}
}

func buildEventTitle(h hit) string {
	switch h.rule {
	case RuleIndexMove:
		return fmt.Sprintf("%s %s change_pct=%.2f", h.symbol, h.rule, h.changePct)
	case RulePositionLoss:
		return fmt.Sprintf("%s %s pnl_pct=%.2f pnl=%.2f", h.symbol, h.rule, h.pnlPct, h.pnl)
	}
	return fmt.Sprintf("%s %s", h.symbol, h.rule)
}

func (e *Engine) checkCooldown(rule, symbol, severity string, now int64, cooldownSec int) bool {
	if cooldownSec <= 0 {
		return true
	}
	key := rule + ":" + symbol + ":" + severity
	e.mu.Lock()
	defer e.mu.Unlock()
	if last, ok := e.cooldown[key]; ok && now-last < int64(cooldownSec) {
		return false
	}
	e.cooldown[key] = now
	return true
}
