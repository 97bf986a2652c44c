package main

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	"algo-dashboard/internal/alert"
	"algo-dashboard/internal/api"
	"algo-dashboard/internal/config"
	"algo-dashboard/internal/engine"
	"algo-dashboard/internal/market"
	"algo-dashboard/internal/publish"
	"algo-dashboard/internal/push/dingtalk"
	"algo-dashboard/internal/riskagent"
	"algo-dashboard/internal/snapshot"
	"algo-dashboard/internal/store"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
)

func main() {
	configPath := flag.String("config", "configs/app.yaml", "path to the yaml config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		hlog.Fatalf("config error: %v", err)
	}
	hlog.SetLevel(logLevel(cfg.Log.Level))

	st, err := store.Open(cfg.Store.Sqlite.Path)
	if err != nil {
		hlog.Fatalf("store error: %v", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			hlog.Errorf("store close error: %v", err)
		}
	}()

	dt := dingtalk.NewClient(
		cfg.Push.Dingtalk.Webhook,
		cfg.Push.Dingtalk.Secret,
		time.Duration(cfg.Push.Dingtalk.TimeoutMs)*time.Millisecond,
	)
	var notifier alert.Notifier
	if dt.Enabled() {
		notifier = dt
	} else {
		hlog.Warnf("dingtalk webhook not configured, alerts are recorded only")
	}
	alertSvc := alert.NewService(notifier, st, alert.Config{
		RateLimit: alert.RateLimitConfig{
			PerMinute: cfg.Alert.RateLimit.PerMinute,
			Burst:     cfg.Alert.RateLimit.Burst,
		},
		DedupWindow:       time.Duration(cfg.Alert.Dedup.WindowSec) * time.Second,
		LowDigestInterval: time.Duration(cfg.Alert.Digest.LowIntervalSec) * time.Second,
	})
	defer alertSvc.Close()

	agent := riskagent.New(riskagent.Config{
		Enabled:    cfg.RiskAgent.Enabled,
		Model:      cfg.RiskAgent.Model,
		APIKey:     cfg.RiskAgent.APIKey,
		BaseURL:    cfg.RiskAgent.BaseURL,
		ByAzure:    cfg.RiskAgent.ByAzure,
		APIVersion: cfg.RiskAgent.APIVersion,
		Timeout:    time.Duration(cfg.RiskAgent.TimeoutMs) * time.Millisecond,
	})

	eng := engine.New(engine.Config{
		IndexMove: engine.Threshold{
			MedPct:  cfg.Engine.IndexMove.MedPct,
			HighPct: cfg.Engine.IndexMove.HighPct,
		},
		PositionLoss: engine.Threshold{
			MedPct:  cfg.Engine.PositionLoss.MedPct,
			HighPct: cfg.Engine.PositionLoss.HighPct,
		},
		CooldownSec: engine.CooldownConfig{
			IndexMove:    cfg.Engine.CooldownSec.IndexMove,
			PositionLoss: cfg.Engine.CooldownSec.PositionLoss,
		},
	}, st, alertSvc, agent)

	sinks := []snapshot.Sink{
		store.NewRecorder(st, time.Duration(cfg.Store.Sqlite.RecordIntervalSec)*time.Second),
		eng,
	}
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.Topic != "" {
		pub := publish.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer func() {
			if err := pub.Close(); err != nil {
				hlog.Errorf("kafka close error: %v", err)
			}
		}()
		sinks = append(sinks, pub)
		hlog.Infof("kafka publisher enabled: brokers=%s topic=%s", strings.Join(cfg.Kafka.Brokers, ","), cfg.Kafka.Topic)
	}
	dispatcher := snapshot.NewDispatcher(cfg.Server.DispatchQueue, sinks...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dispatcher.Run(ctx)

	producer := snapshot.New(producerConfig(cfg), quoteSource(cfg), snapshot.WithDispatcher(dispatcher))

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	h := server.Default(server.WithHostPorts(addr))
	h.OnShutdown = append(h.OnShutdown, func(context.Context) { cancel() })

	api.RegisterRoutes(h, api.Deps{Producer: producer, Store: st})

	hlog.Infof("dashboard starting on %s (log.level=%s, risk agent=%s)", addr, cfg.Log.Level, agent.Mode())
	h.Spin()

	// sinks write to the store and alert service, which are closed by the defers above
	cancel()
	<-dispatcher.Done()
}

// quoteSource is nil without a token; the producer then simulates.
func quoteSource(cfg *config.Config) market.PriceSource {
	if cfg.Upstox.AccessToken == "" {
		hlog.Warnf("UPSTOX_ACCESS_TOKEN not set, serving simulated prices")
		return nil
	}
	upstox := market.NewUpstoxSource(
		cfg.Upstox.BaseURL,
		cfg.Upstox.AccessToken,
		time.Duration(cfg.Upstox.TimeoutMs)*time.Millisecond,
	)
	return market.NewGuardedSource(upstox, market.BreakerConfig{
		FailureThreshold: cfg.Upstox.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Upstox.Breaker.SuccessThreshold,
		Cooldown:         time.Duration(cfg.Upstox.Breaker.CooldownSec) * time.Second,
	})
}

func producerConfig(cfg *config.Config) snapshot.Config {
	out := snapshot.Config{
		RealizedPnL: cfg.Dashboard.RealizedPnL,
		TradesToday: cfg.Dashboard.TradesToday,
		WinRate:     cfg.Dashboard.WinRate,
		Sim: snapshot.SimConfig{
			VolatilityPct: cfg.Simulation.VolatilityPct,
			FloorPct:      cfg.Simulation.FloorPct,
			MinPrice:      cfg.Simulation.MinPrice,
		},
		FetchTimeout:     time.Duration(cfg.Upstox.TimeoutMs) * time.Millisecond,
		FetchConcurrency: cfg.Upstox.Concurrency,
	}
	for _, in := range cfg.Dashboard.Instruments {
		out.Instruments = append(out.Instruments, snapshot.InstrumentConfig{
			Symbol:  in.Symbol,
			Group:   snapshot.Group(in.Group),
			Key:     in.Key,
			Base:    in.Base,
			LotSize: in.LotSize,
			Unit:    in.Unit,
		})
	}
	for _, p := range cfg.Dashboard.Positions {
		out.Positions = append(out.Positions, snapshot.PositionConfig{
			Symbol:     p.Symbol,
			Type:       snapshot.Side(p.Type),
			Qty:        p.Qty,
			AvgPrice:   p.AvgPrice,
			Source:     p.Source,
			Exchange:   p.Exchange,
			Underlying: p.Underlying,
		})
	}
	return out
}

func logLevel(s string) hlog.Level {
	switch strings.ToLower(s) {
	case "trace":
		return hlog.LevelTrace
	case "debug":
		return hlog.LevelDebug
	case "warn", "warning":
		return hlog.LevelWarn
	case "error":
		return hlog.LevelError
	default:
		return hlog.LevelInfo
	}
}
