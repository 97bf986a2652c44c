package riskagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/schema"
	"github.com/cloudwego/hertz/pkg/common/hlog"
)

type Config struct {
	Enabled    bool
	Model      string
	APIKey     string
	BaseURL    string
	ByAzure    bool
	APIVersion string
	Timeout    time.Duration
}

// EventInput is what the engine knows about a triggered rule.
type EventInput struct {
	EventID   int64   `json:"event_id"`
	Type      string  `json:"type"`
	Severity  string  `json:"severity"`
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price,omitempty"`
	ChangePct float64 `json:"change_pct,omitempty"`
	PnL       float64 `json:"pnl,omitempty"`
	PnLPct    float64 `json:"pnl_pct,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
	Source    string  `json:"data_source,omitempty"`
}

type RiskDecision struct {
	RiskLevel  int      `json:"risk_level"`
	Severity   string   `json:"severity"`
	OneLiner   string   `json:"one_liner"`
	Why        []string `json:"why"`
	ActionHint []string `json:"action_hint"`
	Confidence float64  `json:"confidence"`
	Tags       []string `json:"tags"`
}

type Agent struct {
	enabled        bool
	model          *openai.ChatModel
	modelName      string
	disabledReason string
}

func New(cfg Config) *Agent {
	if !cfg.Enabled {
		return &Agent{enabled: false, disabledReason: "disabled by config"}
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Model == "" {
		cfg.Model = os.Getenv("OPENAI_MODEL")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = os.Getenv("OPENAI_BASE_URL")
	}
	if cfg.APIKey == "" || cfg.Model == "" {
		hlog.Warnf("riskagent disabled: missing api key or model")
		return &Agent{enabled: false, disabledReason: "api_key or model missing"}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	model, err := openai.NewChatModel(context.Background(), &openai.ChatModelConfig{
		APIKey:     cfg.APIKey,
		Model:      cfg.Model,
		BaseURL:    cfg.BaseURL,
		ByAzure:    cfg.ByAzure,
		APIVersion: cfg.APIVersion,
		Timeout:    cfg.Timeout,
	})
	if err != nil {
		hlog.Errorf("riskagent init error: %v", err)
		return &Agent{enabled: false, disabledReason: "init failed"}
	}
	return &Agent{enabled: true, model: model, modelName: cfg.Model}
}

func (a *Agent) Mode() string {
	if a == nil || !a.enabled || a.model == nil {
		return "fallback"
	}
	return "llm"
}

const systemPrompt = `You are RiskAgent for an intraday index and MCX commodity desk. Output ONLY valid JSON.
Rules:
- Assess risk only. Never suggest entries or targets and never predict returns.
- If the evidence is thin, downgrade severity to low and set risk_level to 1-2.
- why[] and action_hint[] each hold 1-3 short points.
- one_liner is a single-sentence conclusion.
- confidence is between 0.0 and 1.0.
- severity is one of low|med|high.
- A SIMULATED data_source means prices are synthetic; say so and lower confidence.`

func (a *Agent) Evaluate(ctx context.Context, in EventInput) (RiskDecision, error) {
	if a == nil || !a.enabled || a.model == nil {
		return FallbackDecision(in), nil
	}

	payload, _ := json.Marshal(in)
	messages := []*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.UserMessage(fmt.Sprintf("Event: %s", string(payload))),
	}

	resp, err := a.model.Generate(ctx, messages)
	if err != nil {
		logLLMErrorOnce(err)
		return FallbackDecision(in), err
	}
	text := strings.TrimSpace(resp.Content)
	logLLMOutput(text)

	out, err := parseRiskDecision(text)
	if err != nil {
		return FallbackDecision(in), err
	}
	return sanitize(out, in), nil
}

func FormatMarkdown(title string, decision RiskDecision) string {
	if title == "" {
		title = "Risk assessment"
	}
	lines := []string{
		fmt.Sprintf("### %s", title),
		fmt.Sprintf("**Summary**: %s (risk_level=%d, severity=%s)", decision.OneLiner, decision.RiskLevel, decision.Severity),
		"",
		"**Evidence**:",
	}
	for _, w := range decision.Why {
		lines = append(lines, fmt.Sprintf("- %s", w))
	}
	lines = append(lines, "", "**Suggested actions**:")
	for _, a := range decision.ActionHint {
		lines = append(lines, fmt.Sprintf("- %s", a))
	}
	lines = append(lines, "", fmt.Sprintf("**Confidence**: %.2f", decision.Confidence))
	return strings.Join(lines, "\n")
}

// FallbackDecision derives a decision from the rule severity alone.
func FallbackDecision(in EventInput) RiskDecision {
	sev := strings.ToLower(in.Severity)
	rl, conf := 1, 0.4
	switch sev {
	case "high":
		rl, conf = 5, 0.7
	case "med":
		rl, conf = 3, 0.5
	default:
		sev = "low"
	}
	if in.Source == "SIMULATED" {
		conf /= 2
	}

	why, action := buildWhyAction(in)
	if len(why) == 0 {
		why = []string{"evidence is included in the event"}
	}
	return RiskDecision{
		RiskLevel:  rl,
		Severity:   sev,
		OneLiner:   oneLiner(sev),
		Why:        trimList(why, 3),
		ActionHint: trimList(action, 3),
		Confidence: conf,
		Tags:       []string{strings.ToLower(in.Type), "fallback"},
	}
}

func sanitize(in RiskDecision, ev EventInput) RiskDecision {
	out := in
	if out.RiskLevel < 1 {
		out.RiskLevel = 1
	}
	if out.RiskLevel > 5 {
		out.RiskLevel = 5
	}
	out.Severity = strings.ToLower(strings.TrimSpace(out.Severity))
	if out.Severity != "low" && out.Severity != "med" && out.Severity != "high" {
		out.Severity = "low"
	}
	why, action := buildWhyAction(ev)
	if len(out.Why) == 0 {
		out.Why = why
	}
	if len(out.ActionHint) == 0 {
		out.ActionHint = action
	}
	out.Why = trimList(out.Why, 3)
	out.ActionHint = trimList(out.ActionHint, 3)
	if strings.TrimSpace(out.OneLiner) == "" {
		out.OneLiner = oneLiner(out.Severity)
	}
	if out.Confidence < 0 {
		out.Confidence = 0
	}
	if out.Confidence > 1 {
		out.Confidence = 1
	}
	return out
}

func parseRiskDecision(text string) (RiskDecision, error) {
	var out RiskDecision
	if err := json.Unmarshal([]byte(text), &out); err == nil {
		return out, nil
	}
	jsonStr := extractFirstJSONObject(text)
	if jsonStr == "" {
		return RiskDecision{}, fmt.Errorf("no json object found")
	}
	if err := json.Unmarshal([]byte(jsonStr), &out); err != nil {
		return RiskDecision{}, fmt.Errorf("parse risk decision: %w", err)
	}
	return out, nil
}

// extractFirstJSONObject returns the first balanced {...} in s.
func extractFirstJSONObject(s string) string {
	start := strings.Index(s, "{")
	if start == -1 {
		return ""
	}
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

func buildWhyAction(in EventInput) ([]string, []string) {
	var why []string
	switch strings.ToUpper(in.Type) {
	case "INDEX_MOVE":
		if in.ChangePct != 0 {
			dir := "up"
			if in.ChangePct < 0 {
				dir = "down"
			}
			why = append(why, fmt.Sprintf("%s is %s %.2f%% from reference (threshold %.2f%%)", in.Symbol, dir, abs(in.ChangePct), in.Threshold))
		}
	case "POSITION_LOSS":
		if in.PnLPct != 0 {
			why = append(why, fmt.Sprintf("%s is at %.2f%% of entry notional (limit -%.2f%%)", in.Symbol, in.PnLPct, in.Threshold))
		}
		if in.PnL != 0 {
			why = append(why, fmt.Sprintf("unrealized pnl %.2f", in.PnL))
		}
	}
	if in.Source == "SIMULATED" {
		why = append(why, "prices are simulated, broker feed unavailable")
	}
	return why, actionHints(strings.ToLower(in.Severity))
}

func actionHints(sev string) []string {
	switch sev {
	case "high":
		return []string{"cut or hedge exposure first", "tighten stop losses", "watch the feed closely"}
	case "med":
		return []string{"review position size", "confirm stop losses are in place"}
	default:
		return []string{"keep monitoring"}
	}
}

func oneLiner(sev string) string {
	switch sev {
	case "high":
		return "risk is elevated, act defensively"
	case "med":
		return "moderate risk, stay cautious"
	default:
		return "low risk, keep watching"
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func trimList(in []string, n int) []string {
	if len(in) > n {
		return in[:n]
	}
	return in
}

func logLLMError(err error) {
	apiErr := &openai.APIError{}
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if len(msg) > 300 {
			msg = msg[:300] + "..."
		}
		hlog.Errorf("riskagent api error: status=%d message=%s", apiErr.HTTPStatusCode, msg)
		return
	}
	hlog.Errorf("riskagent error: %v", err)
}

var (
	lastLLMLogMu sync.Mutex
	lastLLMLog   time.Time
)

func logLLMErrorOnce(err error) {
	lastLLMLogMu.Lock()
	if time.Since(lastLLMLog) < 5*time.Second {
		lastLLMLogMu.Unlock()
		return
	}
	lastLLMLog = time.Now()
	lastLLMLogMu.Unlock()
	logLLMError(err)
}

func logLLMOutput(text string) {
	const maxLen = 800
	if len(text) > maxLen {
		text = text[:maxLen] + "..."
	}
	hlog.Debugf("riskagent output: %s", text)
}
