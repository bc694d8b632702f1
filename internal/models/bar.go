package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bar represents one daily OHLCV bar for a single instrument.
// The (Date, Ticker) pair is the primary key across both storage sinks.
type Bar struct {
	Date   time.Time       `json:"date" db:"date"`
	Ticker string          `json:"ticker" db:"ticker"`
	Market Market          `json:"market" db:"market"`
	Open   decimal.Decimal `json:"open" db:"open"`
	High   decimal.Decimal `json:"high" db:"high"`
	Low    decimal.Decimal `json:"low" db:"low"`
	Close  decimal.Decimal `json:"close" db:"close"`
	Volume int64           `json:"volume" db:"volume"`
}

// Key returns the unique (date, ticker) identity of the bar.
func (b Bar) Key() BarKey {
	return BarKey{Date: b.Date.Format("20060102"), Ticker: b.Ticker}
}

// BarKey is the comparable primary key of a Bar.
type BarKey struct {
	Date   string
	Ticker string
}
