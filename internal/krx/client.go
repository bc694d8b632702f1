// Package krx implements the provider access layer against the KRX public
// data API. Every query POSTs a screen id (bld) plus its parameters to the
// shared getJsonData endpoint and decodes the tabular JSON it returns.
// "No data" is an empty result, never an error.
package krx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/krxquant/krx-harvester/internal/dateutil"
	"github.com/krxquant/krx-harvester/internal/models"
)

const (
	defaultBaseURL = "http://data.krx.co.kr/comm/bldAttendant/getJsonData.cmd"
	refererURL     = "http://data.krx.co.kr/contents/MDC/MDI/mdiLoader/index.cmd"
	userAgent      = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36"

	// Screen ids of the KRX statistics pages backing each query.
	bldAllInstruments = "dbms/MDC/STAT/standard/MDCSTAT01501"
	bldIssueBars      = "dbms/MDC/STAT/standard/MDCSTAT01701"
	bldIssueBasics    = "dbms/MDC/STAT/standard/MDCSTAT01901"
	bldIssueFinder    = "dbms/comm/finder/finder_stkisu"

	// calendarTicker is a long-listed issue whose bar dates double as the
	// exchange trading calendar.
	calendarTicker = "000020"
)

var marketIDs = map[models.Market]string{
	models.MarketKOSPI:  "STK",
	models.MarketKOSDAQ: "KSQ",
	models.MarketKONEX:  "KNX",
}

// Client talks to the KRX data API. It caches the ticker -> ISIN mapping
// and the issue-basics table, both of which are stable within a run.
type Client struct {
	httpClient *http.Client
	baseURL    string
	adjusted   bool
	logger     *logrus.Entry

	mu        sync.Mutex
	isinCache map[string]string
	refCache  map[string]models.Reference
	refLoaded bool
}

// NewClient creates a provider client. adjusted selects adjusted close
// prices on the bar query.
func NewClient(adjusted bool) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    defaultBaseURL,
		adjusted:   adjusted,
		logger:     logrus.WithField("component", "krx"),
		isinCache:  make(map[string]string),
		refCache:   make(map[string]models.Reference),
	}
}

// SetBaseURL points the client at a different endpoint. Used by tests.
func (c *Client) SetBaseURL(u string) {
	c.baseURL = u
}

// getJSON posts the screen parameters and returns the raw response blocks.
func (c *Client) getJSON(ctx context.Context, bld string, params url.Values) (map[string]json.RawMessage, error) {
	form := url.Values{}
	form.Set("bld", bld)
	for key, vals := range params {
		for _, v := range vals {
			form.Add(key, v)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build KRX request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", refererURL)
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("KRX request %s: %w", bld, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("KRX request %s: unexpected status %d", bld, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read KRX response: %w", err)
	}
	var blocks map[string]json.RawMessage
	if err := json.Unmarshal(body, &blocks); err != nil {
		return nil, fmt.Errorf("decode KRX response for %s: %w", bld, err)
	}
	return blocks, nil
}

// rows extracts the first table block present in a response. Different
// screens name their output block differently.
func rows(blocks map[string]json.RawMessage, names ...string) ([]map[string]string, error) {
	for _, name := range names {
		raw, ok := blocks[name]
		if !ok {
			continue
		}
		var out []map[string]string
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decode block %s: %w", name, err)
		}
		return out, nil
	}
	return nil, nil
}

// TradingCalendar returns the trading days of the given month, ascending.
// The calendar is derived from the bar dates of a reference issue, the same
// trick the exchange's own statistics pages rely on.
func (c *Client) TradingCalendar(ctx context.Context, year int, month time.Month) ([]time.Time, error) {
	from := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, -1)

	bars, err := c.BarsForRange(ctx, calendarTicker, from, to)
	if err != nil {
		return nil, fmt.Errorf("trading calendar %d-%02d: %w", year, month, err)
	}
	days := make([]time.Time, 0, len(bars))
	for _, bar := range bars {
		days = append(days, bar.Date)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days, nil
}

// InstrumentsForDate returns the tickers listed on market at date.
func (c *Client) InstrumentsForDate(ctx context.Context, date time.Time, market models.Market) ([]string, error) {
	mktID, ok := marketIDs[market]
	if !ok {
		mktID = "ALL"
	}
	params := url.Values{}
	params.Set("mktId", mktID)
	params.Set("trdDd", dateutil.Format(date))
	params.Set("share", "1")
	params.Set("money", "1")

	blocks, err := c.getJSON(ctx, bldAllInstruments, params)
	if err != nil {
		return nil, err
	}
	table, err := rows(blocks, "OutBlock_1", "output")
	if err != nil {
		return nil, err
	}

	tickers := make([]string, 0, len(table))
	for _, row := range table {
		if t := row["ISU_SRT_CD"]; t != "" {
			tickers = append(tickers, t)
		}
	}
	return tickers, nil
}

// InstrumentReference returns the reference record for ticker, or (nil, nil)
// when the exchange no longer carries one (typically a delisted issue).
func (c *Client) InstrumentReference(ctx context.Context, ticker string) (*models.Reference, error) {
	if err := c.loadReferenceTable(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ref, ok := c.refCache[ticker]
	if !ok {
		return nil, nil
	}
	return &ref, nil
}

// loadReferenceTable fetches the issue-basics screen once per run.
func (c *Client) loadReferenceTable(ctx context.Context) error {
	c.mu.Lock()
	loaded := c.refLoaded
	c.mu.Unlock()
	if loaded {
		return nil
	}

	params := url.Values{}
	params.Set("mktId", "ALL")
	params.Set("share", "1")

	blocks, err := c.getJSON(ctx, bldIssueBasics, params)
	if err != nil {
		return err
	}
	table, err := rows(blocks, "OutBlock_1", "output")
	if err != nil {
		return err
	}

	refs := make(map[string]models.Reference, len(table))
	for _, row := range table {
		ticker := row["ISU_SRT_CD"]
		if ticker == "" {
			continue
		}
		ref := models.Reference{
			Ticker:     ticker,
			Name:       row["ISU_ABBRV"],
			MarketCode: marketCodeFromName(row["MKT_TP_NM"]),
		}
		if listed, err := parseSlashedDate(row["LIST_DD"]); err == nil {
			ref.ListingDate = listed
		}
		refs[ticker] = ref
	}

	c.mu.Lock()
	c.refCache = refs
	c.refLoaded = true
	c.mu.Unlock()
	c.logger.WithField("issues", len(refs)).Debug("loaded issue reference table")
	return nil
}

// BarsForRange returns the daily bars for ticker within [from, to],
// ascending by date. An empty range of data is an empty slice.
func (c *Client) BarsForRange(ctx context.Context, ticker string, from, to time.Time) ([]models.Bar, error) {
	isin, err := c.resolveISIN(ctx, ticker)
	if err != nil {
		return nil, err
	}
	if isin == "" {
		return nil, nil
	}

	adj := "1"
	if c.adjusted {
		adj = "2"
	}
	params := url.Values{}
	params.Set("isuCd", isin)
	params.Set("strtDd", dateutil.Format(from))
	params.Set("endDd", dateutil.Format(to))
	params.Set("adjStkPrc", adj)
	params.Set("share", "1")
	params.Set("money", "1")

	blocks, err := c.getJSON(ctx, bldIssueBars, params)
	if err != nil {
		return nil, err
	}
	table, err := rows(blocks, "OutBlock_1", "output")
	if err != nil {
		return nil, err
	}

	bars := make([]models.Bar, 0, len(table))
	for _, row := range table {
		bar, err := parseBarRow(row, ticker)
		if err != nil {
			c.logger.WithError(err).WithField("ticker", ticker).Warn("skipping malformed bar row")
			continue
		}
		bars = append(bars, bar)
	}
	// The screen returns newest-first.
	sort.Slice(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })
	return bars, nil
}

// resolveISIN maps a short ticker to the full issue code the bar screen
// expects, or "" when the finder does not know the ticker.
func (c *Client) resolveISIN(ctx context.Context, ticker string) (string, error) {
	c.mu.Lock()
	if isin, ok := c.isinCache[ticker]; ok {
		c.mu.Unlock()
		return isin, nil
	}
	c.mu.Unlock()

	params := url.Values{}
	params.Set("mktsel", "ALL")
	params.Set("searchText", ticker)

	blocks, err := c.getJSON(ctx, bldIssueFinder, params)
	if err != nil {
		return "", err
	}
	table, err := rows(blocks, "block1", "OutBlock_1")
	if err != nil {
		return "", err
	}

	isin := ""
	for _, row := range table {
		if row["short_code"] == ticker {
			isin = row["full_code"]
			break
		}
	}
	c.mu.Lock()
	c.isinCache[ticker] = isin
	c.mu.Unlock()
	return isin, nil
}

func parseBarRow(row map[string]string, ticker string) (models.Bar, error) {
	date, err := parseSlashedDate(row["TRD_DD"])
	if err != nil {
		return models.Bar{}, err
	}
	open, err := parsePrice(row["TDD_OPNPRC"])
	if err != nil {
		return models.Bar{}, err
	}
	high, err := parsePrice(row["TDD_HGPRC"])
	if err != nil {
		return models.Bar{}, err
	}
	low, err := parsePrice(row["TDD_LWPRC"])
	if err != nil {
		return models.Bar{}, err
	}
	cls, err := parsePrice(row["TDD_CLSPRC"])
	if err != nil {
		return models.Bar{}, err
	}
	volume, err := parseVolume(row["ACC_TRDVOL"])
	if err != nil {
		return models.Bar{}, err
	}
	return models.Bar{
		Date:   date,
		Ticker: ticker,
		Open:   open,
		High:   high,
		Low:    low,
		Close:  cls,
		Volume: volume,
	}, nil
}

// parseSlashedDate parses the "2020/01/02" form the screens emit.
func parseSlashedDate(s string) (time.Time, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), "/", "")
	return dateutil.Parse(s)
}

func parsePrice(s string) (decimal.Decimal, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" || s == "-" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid price %q: %w", s, err)
	}
	return d, nil
}

func parseVolume(s string) (int64, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" || s == "-" {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid volume %q: %w", s, err)
	}
	return v, nil
}

func marketCodeFromName(name string) string {
	switch name {
	case "KOSPI":
		return "STK"
	case "KOSDAQ", "KOSDAQ GLOBAL":
		return "KSQ"
	case "KONEX":
		return "KNX"
	default:
		return ""
	}
}
