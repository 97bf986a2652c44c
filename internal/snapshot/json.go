package snapshot

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

const TimestampLayout = "15:04:05"

type quoteJSON struct {
	Price     float64 `json:"price"`
	Change    float64 `json:"change"`
	ChangePct float64 `json:"change_pct"`
	LotSize   int     `json:"lot_size,omitempty"`
	Unit      string  `json:"unit,omitempty"`
}

type pnlJSON struct {
	Realized   float64 `json:"realized"`
	Unrealized float64 `json:"unrealized"`
	Total      float64 `json:"total"`
}

type statsJSON struct {
	TradesToday   int     `json:"trades_today"`
	WinRate       float64 `json:"win_rate"`
	OpenPositions int     `json:"open_positions"`
}

type positionJSON struct {
	Symbol    string  `json:"symbol"`
	Type      Side    `json:"type"`
	Qty       int     `json:"qty"`
	AvgPrice  float64 `json:"avg_price"`
	LTP       float64 `json:"ltp"`
	Change    float64 `json:"change"`
	ChangePct float64 `json:"change_pct"`
	PnL       float64 `json:"pnl"`
	PnLPct    float64 `json:"pnl_pct"`
	Source    string  `json:"source"`
	Exchange  string  `json:"exchange"`
}

// ReservedKeys are the top-level fields of the wire format; index symbols
// may not shadow them.
var ReservedKeys = map[string]bool{
	"timestamp":        true,
	"data_source":      true,
	"broker_connected": true,
	"mcx":              true,
	"pnl":              true,
	"stats":            true,
	"positions":        true,
}

// MarshalJSON renders the dashboard wire format. Index quotes sit at the top
// level keyed by lower-cased symbol, commodities under "mcx". Money values are
// rounded to 2 decimals.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		"timestamp":        s.UpdatedAt.Format(TimestampLayout),
		"data_source":      s.Source,
		"broker_connected": s.BrokerConnected,
	}

	mcx := make(map[string]quoteJSON)
	for _, in := range s.Instruments {
		key := strings.ToLower(in.Symbol)
		q := quoteJSON{
			Price:     Round2(in.Price),
			Change:    Round2(in.Change()),
			ChangePct: Round2(in.ChangePct()),
		}
		if in.Group == GroupIndex {
			if ReservedKeys[key] {
				continue
			}
			out[key] = q
			continue
		}
		q.LotSize = in.LotSize
		q.Unit = in.Unit
		mcx[key] = q
	}
	out["mcx"] = mcx

	unrealized := s.UnrealizedPnL()
	out["pnl"] = pnlJSON{
		Realized:   Round2(s.RealizedPnL),
		Unrealized: Round2(unrealized),
		Total:      Round2(s.RealizedPnL + unrealized),
	}
	out["stats"] = statsJSON{
		TradesToday:   s.TradesToday,
		WinRate:       s.WinRate,
		OpenPositions: len(s.Positions),
	}

	positions := make([]positionJSON, 0, len(s.Positions))
	for _, p := range s.Positions {
		positions = append(positions, positionJSON{
			Symbol:    p.Symbol,
			Type:      p.Type,
			Qty:       p.Qty,
			AvgPrice:  Round2(p.AvgPrice),
			LTP:       Round2(p.LTP),
			Change:    Round2(p.Change()),
			ChangePct: Round2(p.ChangePct()),
			PnL:       Round2(p.PnL()),
			PnLPct:    Round2(p.PnLPct()),
			Source:    p.Source,
			Exchange:  p.Exchange,
		})
	}
	out["positions"] = positions

	return json.Marshal(out)
}

func Round2(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}
