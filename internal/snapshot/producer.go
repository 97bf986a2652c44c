package snapshot

import (
	"context"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"algo-dashboard/internal/market"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"golang.org/x/sync/errgroup"
)

type InstrumentConfig struct {
	Symbol  string
	Group   Group
	Key     string
	Base    float64
	LotSize int
	Unit    string
}

type PositionConfig struct {
	Symbol     string
	Type       Side
	Qty        int
	AvgPrice   float64
	Source     string
	Exchange   string
	Underlying string
}

type SimConfig struct {
	VolatilityPct float64 // max move per refresh, percent of reference
	FloorPct      float64 // lowest price, percent of reference
	MinPrice      float64
}

type Config struct {
	Instruments      []InstrumentConfig
	Positions        []PositionConfig
	RealizedPnL      float64
	TradesToday      int
	WinRate          float64
	Sim              SimConfig
	FetchTimeout     time.Duration
	FetchConcurrency int
}

type Option func(*Producer)

func WithRand(r *rand.Rand) Option {
	return func(p *Producer) { p.rnd = r }
}

func WithClock(now func() time.Time) Option {
	return func(p *Producer) { p.now = now }
}

func WithDispatcher(d *Dispatcher) Option {
	return func(p *Producer) { p.dispatcher = d }
}

// connectivity is implemented by sources that can refuse upstream traffic,
// such as a tripped circuit breaker.
type connectivity interface {
	Connected() bool
}

type fetchTarget struct {
	idx int
	key string
}

// Producer owns the single mutable market state. Refresh and Snapshot are
// safe for concurrent use; readers always get a deep copy.
type Producer struct {
	cfg        Config
	src        market.PriceSource
	dispatcher *Dispatcher
	now        func() time.Time
	targets    []fetchTarget

	mu          sync.Mutex
	rnd         *rand.Rand
	instruments []Instrument
	bySymbol    map[string]int
	positions   []Position
	source      DataSource
	connected   bool
	updatedAt   time.Time
}

func New(cfg Config, src market.PriceSource, opts ...Option) *Producer {
	if cfg.Sim.VolatilityPct <= 0 {
		cfg.Sim.VolatilityPct = 0.2
	}
	if cfg.Sim.FloorPct <= 0 {
		cfg.Sim.FloorPct = 80
	}
	if cfg.Sim.MinPrice <= 0 {
		cfg.Sim.MinPrice = 0.05
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 3 * time.Second
	}
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = 4
	}

	p := &Producer{
		cfg:      cfg,
		src:      src,
		now:      time.Now,
		bySymbol: make(map[string]int, len(cfg.Instruments)),
		source:   SourceSimulated,
	}
	for i, ic := range cfg.Instruments {
		p.instruments = append(p.instruments, Instrument{
			Symbol:  ic.Symbol,
			Group:   ic.Group,
			Key:     ic.Key,
			Base:    ic.Base,
			Price:   ic.Base,
			LotSize: ic.LotSize,
			Unit:    ic.Unit,
		})
		p.bySymbol[strings.ToUpper(ic.Symbol)] = i
		if ic.Key != "" {
			p.targets = append(p.targets, fetchTarget{idx: i, key: ic.Key})
		}
	}
	for _, pc := range cfg.Positions {
		p.positions = append(p.positions, Position{
			Symbol:     pc.Symbol,
			Type:       pc.Type,
			Qty:        pc.Qty,
			AvgPrice:   pc.AvgPrice,
			LTP:        pc.AvgPrice,
			Source:     pc.Source,
			Exchange:   pc.Exchange,
			Underlying: pc.Underlying,
		})
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.rnd == nil {
		p.rnd = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15))
	}
	p.updatedAt = p.now()
	return p
}

// Refresh advances the state by one cycle. It never fails: upstream problems
// degrade to stale or simulated prices.
func (p *Producer) Refresh(ctx context.Context) {
	live := p.fetchLive(ctx)

	p.mu.Lock()
	if len(live) > 0 {
		for idx, price := range live {
			p.instruments[idx].Price = price
		}
		p.source = SourceLive
	} else {
		for i := range p.instruments {
			in := &p.instruments[i]
			in.Price = p.walkLocked(in.Price, in.Base)
		}
		p.source = SourceSimulated
	}
	p.connected = len(live) > 0 && p.sourceReachable()
	p.updatePositionsLocked()
	p.updatedAt = p.now()
	snap := p.snapshotLocked()
	p.mu.Unlock()

	if p.dispatcher != nil {
		p.dispatcher.Publish(snap)
	}
}

func (p *Producer) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

// fetchLive asks the source for every keyed instrument and returns the
// available prices by instrument index. All lookups share a single
// FetchTimeout deadline; lookups still queued when it passes are not sent.
func (p *Producer) fetchLive(ctx context.Context) map[int]float64 {
	if p.src == nil || len(p.targets) == 0 {
		return nil
	}
	fctx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	defer cancel()

	results := make([]market.FetchResult, len(p.targets))
	var g errgroup.Group
	g.SetLimit(p.cfg.FetchConcurrency)
	for i, t := range p.targets {
		g.Go(func() error {
			if err := fctx.Err(); err != nil {
				results[i] = market.Unavailable("deadline exceeded")
				return nil
			}
			results[i] = p.src.FetchPrice(fctx, t.key)
			return nil
		})
	}
	_ = g.Wait()

	live := make(map[int]float64, len(results))
	for i, res := range results {
		if !res.OK || res.Price <= 0 || math.IsNaN(res.Price) || math.IsInf(res.Price, 0) {
			hlog.Debugf("quote unavailable: key=%s reason=%s", p.targets[i].key, res.Reason)
			continue
		}
		live[p.targets[i].idx] = res.Price
	}
	return live
}

func (p *Producer) updatePositionsLocked() {
	for i := range p.positions {
		pos := &p.positions[i]
		if pos.Underlying != "" {
			if idx, ok := p.bySymbol[strings.ToUpper(pos.Underlying)]; ok {
				pos.LTP = p.instruments[idx].Price
				continue
			}
		}
		pos.LTP = p.walkLocked(pos.LTP, pos.AvgPrice)
	}
}

// walkLocked moves price by a uniform delta within ±VolatilityPct of ref and
// clamps it to max(FloorPct of ref, MinPrice).
func (p *Producer) walkLocked(price, ref float64) float64 {
	if ref <= 0 {
		return math.Max(price, p.cfg.Sim.MinPrice)
	}
	band := ref * p.cfg.Sim.VolatilityPct / 100
	price += (p.rnd.Float64()*2 - 1) * band
	floor := math.Max(ref*p.cfg.Sim.FloorPct/100, p.cfg.Sim.MinPrice)
	if price < floor {
		price = floor
	}
	return price
}

// sourceReachable is false when the source reports that it is refusing
// upstream traffic.
func (p *Producer) sourceReachable() bool {
	if c, ok := p.src.(connectivity); ok {
		return c.Connected()
	}
	return p.src != nil
}

func (p *Producer) snapshotLocked() Snapshot {
	return Snapshot{
		UpdatedAt:       p.updatedAt,
		Source:          p.source,
		BrokerConnected: p.connected,
		Instruments:     append([]Instrument(nil), p.instruments...),
		Positions:       append([]Position(nil), p.positions...),
		RealizedPnL:     p.cfg.RealizedPnL,
		TradesToday:     p.cfg.TradesToday,
		WinRate:         p.cfg.WinRate,
	}
}
