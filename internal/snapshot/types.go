package snapshot

import "time"

type Group string

const (
	GroupIndex Group = "index"
	GroupMCX   Group = "mcx"
)

type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

type DataSource string

const (
	SourceLive      DataSource = "LIVE"
	SourceSimulated DataSource = "SIMULATED"
)

// Instrument is a tracked quote. Base is the reference price that change and
// the synthetic walk bounds are measured against.
type Instrument struct {
	Symbol  string
	Group   Group
	Key     string
	Base    float64
	Price   float64
	LotSize int
	Unit    string
}

func (i Instrument) Change() float64 {
	return i.Price - i.Base
}

func (i Instrument) ChangePct() float64 {
	if i.Base == 0 {
		return 0
	}
	return i.Change() / i.Base * 100
}

type Position struct {
	Symbol     string
	Type       Side
	Qty        int
	AvgPrice   float64
	LTP        float64
	Source     string
	Exchange   string
	Underlying string
}

func (p Position) PnL() float64 {
	return PnL(p.Type, p.AvgPrice, p.LTP, p.Qty)
}

func (p Position) PnLPct() float64 {
	return PnLPct(p.Type, p.AvgPrice, p.LTP, p.Qty)
}

func (p Position) Change() float64 {
	return p.LTP - p.AvgPrice
}

func (p Position) ChangePct() float64 {
	if p.AvgPrice <= 0 {
		return 0
	}
	return p.Change() / p.AvgPrice * 100
}

// PnL is (ltp-avg)*qty for longs and (avg-ltp)*qty for shorts.
func PnL(side Side, avg, ltp float64, qty int) float64 {
	if side == SideShort {
		return (avg - ltp) * float64(qty)
	}
	return (ltp - avg) * float64(qty)
}

// PnLPct is PnL relative to the entry notional, 0 when the notional is not
// positive.
func PnLPct(side Side, avg, ltp float64, qty int) float64 {
	notional := avg * float64(qty)
	if avg <= 0 || notional == 0 {
		return 0
	}
	return PnL(side, avg, ltp, qty) / notional * 100
}

// Snapshot is an immutable copy of the producer state. Callers own its slices.
type Snapshot struct {
	UpdatedAt       time.Time
	Source          DataSource
	BrokerConnected bool
	Instruments     []Instrument
	Positions       []Position
	RealizedPnL     float64
	TradesToday     int
	WinRate         float64
}

func (s Snapshot) UnrealizedPnL() float64 {
	var sum float64
	for _, p := range s.Positions {
		sum += p.PnL()
	}
	return sum
}

func (s Snapshot) TotalPnL() float64 {
	return s.RealizedPnL + s.UnrealizedPnL()
}

func (s Snapshot) Instrument(symbol string) (Instrument, bool) {
	for _, in := range s.Instruments {
		if in.Symbol == symbol {
			return in, true
		}
	}
	return Instrument{}, false
}
