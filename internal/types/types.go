package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of the target an alert arms on.
type Direction string

const (
	DirectionAbove Direction = "ABOVE"
	DirectionBelow Direction = "BELOW"
)

// Mode controls whether an alert survives its first fire.
type Mode string

const (
	ModeOneShot    Mode = "ONE_SHOT"
	ModePersistent Mode = "PERSISTENT"
)

// State is the side of the target the last observed price occupied.
type State string

const (
	StateUnknown State = "UNKNOWN"
	StateAbove   State = "ABOVE"
	StateBelow   State = "BELOW"
)

// Matches reports whether a state sits on the alert's armed side.
func (d Direction) Matches(s State) bool {
	return (d == DirectionAbove && s == StateAbove) ||
		(d == DirectionBelow && s == StateBelow)
}

// SubscriptionKey identifies one shared upstream price feed. Many alerts may
// share a key; its price is fetched at most once per tick.
type SubscriptionKey struct {
	Exchange string
	Symbol   string
}

func (k SubscriptionKey) String() string {
	return fmt.Sprintf("%s:%s", k.Exchange, k.Symbol)
}

type Alert struct {
	ID        string          `json:"id"`
	Owner     int64           `json:"owner"`
	Exchange  string          `json:"exchange"`
	Symbol    string          `json:"symbol"`
	Direction Direction       `json:"direction"`
	Target    decimal.Decimal `json:"target"`
	Mode      Mode            `json:"mode"`
	Muted     bool            `json:"muted"`
	State     State           `json:"state"`
	Epoch     int64           `json:"epoch"`
	CreatedAt string          `json:"created_at"`
}

func (a Alert) Key() SubscriptionKey {
	return SubscriptionKey{Exchange: a.Exchange, Symbol: a.Symbol}
}

// PriceObservation is a single normalized price sample. It is never persisted;
// the tick that fetched it consumes it and throws it away.
type PriceObservation struct {
	Exchange  string
	Symbol    string
	Price     decimal.Decimal
	Timestamp time.Time
}

// FireEvent describes one directional crossing of an alert's target. Epoch is
// the alert's state-change counter at the moment of the crossing and keeps
// delivery idempotent.
type FireEvent struct {
	AlertID   string          `json:"alert_id"`
	Owner     int64           `json:"owner"`
	Exchange  string          `json:"exchange"`
	Symbol    string          `json:"symbol"`
	Direction Direction       `json:"direction"`
	Target    decimal.Decimal `json:"target"`
	Price     decimal.Decimal `json:"price"`
	Epoch     int64           `json:"epoch"`
}

// NormalizeSymbol uppercases a user-entered pair and strips separators, so
// BTC/USDT, btc-usdt and BTCUSDT all map to the same subscription key.
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	for _, sep := range []string{"/", "-", "_", " "} {
		s = strings.ReplaceAll(s, sep, "")
	}
	return s
}
