package models

// Market identifies the KRX market segment an instrument trades on.
type Market string

const (
	// MarketKOSPI is the primary market segment.
	MarketKOSPI Market = "KOSPI"
	// MarketKOSDAQ is the secondary market segment.
	MarketKOSDAQ Market = "KOSDAQ"
	// MarketKONEX covers the remaining minor segment.
	MarketKONEX Market = "KONEX"
	// MarketUnknown is used when the provider gives no usable market code.
	MarketUnknown Market = "UNKNOWN"
)

// marketCodes maps the short codes used by the KRX data API to market names.
var marketCodes = map[string]Market{
	"STK": MarketKOSPI,
	"KSQ": MarketKOSDAQ,
	"KNX": MarketKONEX,
}

// NormalizeMarketCode converts a provider market code (STK, KSQ, KNX) to a
// Market. The fallback is returned when the code is empty or unrecognized.
func NormalizeMarketCode(code string, fallback Market) Market {
	if m, ok := marketCodes[code]; ok {
		return m
	}
	return fallback
}

// ParseMarket converts a market name string to a Market, defaulting to
// MarketUnknown for anything it does not recognize.
func ParseMarket(s string) Market {
	switch Market(s) {
	case MarketKOSPI, MarketKOSDAQ, MarketKONEX:
		return Market(s)
	default:
		return MarketUnknown
	}
}

func (m Market) String() string {
	return string(m)
}
