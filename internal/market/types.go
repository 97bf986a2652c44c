package market

import "context"

// FetchResult is the outcome of a single last-price lookup. Exactly one of
// the two states holds: OK with a positive Price, or !OK with a Reason.
type FetchResult struct {
	Price  float64
	OK     bool
	Reason string
}

func Available(price float64) FetchResult {
	return FetchResult{Price: price, OK: true}
}

func Unavailable(reason string) FetchResult {
	return FetchResult{Reason: reason}
}

// PriceSource resolves an opaque instrument key to its last traded price.
// Implementations never return an error; every failure is Unavailable.
type PriceSource interface {
	FetchPrice(ctx context.Context, key string) FetchResult
}
