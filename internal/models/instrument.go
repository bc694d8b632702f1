package models

import "time"

// Reference is the per-ticker reference record returned by the provider's
// issue-info query. A delisted instrument has no Reference.
type Reference struct {
	Ticker      string    `json:"ticker"`
	Name        string    `json:"name"`
	MarketCode  string    `json:"market_code"`
	ListingDate time.Time `json:"listing_date"`
}

// InstrumentMeta is one row of harvested instrument metadata, keyed on Ticker.
type InstrumentMeta struct {
	Ticker        string     `json:"ticker" db:"ticker"`
	Name          string     `json:"name" db:"name"`
	Market        Market     `json:"market" db:"market"`
	ListingDate   *time.Time `json:"listing_date" db:"listing_date"`
	DelistingDate *time.Time `json:"delisting_date" db:"delisting_date"`
}
