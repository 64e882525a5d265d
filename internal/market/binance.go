// Package market fetches public market data from the Binance REST API.
package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// DefaultBaseURL is the public Binance spot API.
const DefaultBaseURL = "https://api.binance.com"

const (
	defaultMaxRetries = 3
	minRequestGap     = 50 * time.Millisecond
	maxRetryAfter     = time.Minute
	maxLimit          = 1000
)

// Intervals are the kline intervals Binance accepts.
var Intervals = []string{
	"1s", "1m", "3m", "5m", "15m", "30m",
	"1h", "2h", "4h", "6h", "8h", "12h",
	"1d", "3d", "1w", "1M",
}

var depthLimits = []int{5, 10, 20, 50, 100, 500, 1000, 5000}

// ErrInvalidInterval is returned for intervals outside Intervals.
var ErrInvalidInterval = errors.New("invalid kline interval")

// APIError is an error response from Binance.
type APIError struct {
	Status  int
	Code    int    `json:"code"`
	Message string `json:"msg"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("binance: HTTP %d", e.Status)
	}
	return fmt.Sprintf("binance: HTTP %d: %s", e.Status, e.Message)
}

// Kline is one candlestick.
type Kline struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
	Trades   int64     `json:"trades"`
}

// Trade is one executed trade.
type Trade struct {
	ID    int64     `json:"id"`
	Price float64   `json:"price"`
	Qty   float64   `json:"qty"`
	Time  time.Time `json:"time"`
	Side  string    `json:"side"`
}

// Level is one price level of an order book.
type Level struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
}

// OrderBook is a depth snapshot, best prices first.
type OrderBook struct {
	Symbol string  `json:"symbol"`
	Bids   []Level `json:"bids"`
	Asks   []Level `json:"asks"`
}

// BestBid returns the highest bid, or zero for an empty side.
func (b *OrderBook) BestBid() float64 {
	if len(b.Bids) == 0 {
		return 0
	}
	return b.Bids[0].Price
}

// BestAsk returns the lowest ask, or zero for an empty side.
func (b *OrderBook) BestAsk() float64 {
	if len(b.Asks) == 0 {
		return 0
	}
	return b.Asks[0].Price
}

// SpreadPercent is the bid/ask spread relative to the mid price.
func (b *OrderBook) SpreadPercent() float64 {
	mid := (b.BestBid() + b.BestAsk()) / 2
	if mid == 0 {
		return 0
	}
	return (b.BestAsk() - b.BestBid()) / mid * 100
}

// Ticker is the rolling 24 hour statistics of a symbol.
type Ticker struct {
	Symbol             string  `json:"symbol"`
	LastPrice          float64 `json:"last_price"`
	PriceChangePercent float64 `json:"price_change_percent"`
	High               float64 `json:"high"`
	Low                float64 `json:"low"`
	Volume             float64 `json:"volume"`
	QuoteVolume        float64 `json:"quote_volume"`
	Trades             int64   `json:"trades"`
}

// Binance is a client for the public market data endpoints. It needs no
// API key. Requests are paced and failed requests retried with backoff.
type Binance struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// Option configures a Binance client.
type Option func(*Binance)

// WithBaseURL overrides the API address.
func WithBaseURL(u string) Option {
	return func(b *Binance) { b.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Binance) { b.httpClient = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Binance) { b.logger = l }
}

// NewBinance creates a client.
func NewBinance(opts ...Option) *Binance {
	b := &Binance{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Every(minRequestGap), 1),
		maxRetries: defaultMaxRetries,
		logger:     slog.Default(),
		sleep:      sleepCtx,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NormalizeSymbol turns "btc", "BTC/USDT" or "eth-btc" into a Binance
// symbol. Bare assets are quoted in USDT.
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.NewReplacer("/", "", "-", "", "_", "").Replace(s)
	for _, quote := range []string{"USDT", "BUSD", "BTC"} {
		if strings.HasSuffix(s, quote) && s != quote {
			return s
		}
	}
	return s + "USDT"
}

// Klines returns the latest candlesticks of symbol.
func (b *Binance) Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	if !slices.Contains(Intervals, interval) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidInterval, interval)
	}
	q := url.Values{}
	q.Set("symbol", NormalizeSymbol(symbol))
	q.Set("interval", interval)
	q.Set("limit", strconv.Itoa(clampLimit(limit, 100)))

	var rows [][]json.RawMessage
	if err := b.get(ctx, "/api/v3/klines", q, &rows); err != nil {
		return nil, err
	}
	klines := make([]Kline, 0, len(rows))
	for _, row := range rows {
		if len(row) < 9 {
			return nil, fmt.Errorf("binance: short kline row of %d fields", len(row))
		}
		var (
			k      Kline
			openMs int64
			err    error
		)
		if err = json.Unmarshal(row[0], &openMs); err != nil {
			return nil, fmt.Errorf("decode kline open time: %w", err)
		}
		k.OpenTime = time.UnixMilli(openMs).UTC()
		for i, dst := range []*float64{&k.Open, &k.High, &k.Low, &k.Close, &k.Volume} {
			if *dst, err = number(row[i+1]); err != nil {
				return nil, fmt.Errorf("decode kline field %d: %w", i+1, err)
			}
		}
		if err = json.Unmarshal(row[8], &k.Trades); err != nil {
			return nil, fmt.Errorf("decode kline trades: %w", err)
		}
		klines = append(klines, k)
	}
	return klines, nil
}

// OrderBook returns a depth snapshot. The limit is rounded up to a depth
// Binance accepts.
func (b *Binance) OrderBook(ctx context.Context, symbol string, limit int) (*OrderBook, error) {
	depth := depthLimits[len(depthLimits)-1]
	for _, l := range depthLimits {
		if l >= limit {
			depth = l
			break
		}
	}
	sym := NormalizeSymbol(symbol)
	q := url.Values{}
	q.Set("symbol", sym)
	q.Set("limit", strconv.Itoa(depth))

	var raw struct {
		Bids [][2]string `json:"bids"`
		Asks [][2]string `json:"asks"`
	}
	if err := b.get(ctx, "/api/v3/depth", q, &raw); err != nil {
		return nil, err
	}
	book := &OrderBook{Symbol: sym}
	var err error
	if book.Bids, err = levels(raw.Bids); err != nil {
		return nil, err
	}
	if book.Asks, err = levels(raw.Asks); err != nil {
		return nil, err
	}
	return book, nil
}

// RecentTrades returns the latest trades of symbol, oldest first.
func (b *Binance) RecentTrades(ctx context.Context, symbol string, limit int) ([]Trade, error) {
	q := url.Values{}
	q.Set("symbol", NormalizeSymbol(symbol))
	q.Set("limit", strconv.Itoa(clampLimit(limit, 500)))

	var raw []struct {
		ID           int64  `json:"id"`
		Price        string `json:"price"`
		Qty          string `json:"qty"`
		Time         int64  `json:"time"`
		IsBuyerMaker bool   `json:"isBuyerMaker"`
	}
	if err := b.get(ctx, "/api/v3/trades", q, &raw); err != nil {
		return nil, err
	}
	trades := make([]Trade, 0, len(raw))
	for _, r := range raw {
		price, err := strconv.ParseFloat(r.Price, 64)
		if err != nil {
			return nil, fmt.Errorf("decode trade price: %w", err)
		}
		qty, err := strconv.ParseFloat(r.Qty, 64)
		if err != nil {
			return nil, fmt.Errorf("decode trade qty: %w", err)
		}
		side := "buy"
		if r.IsBuyerMaker {
			side = "sell"
		}
		trades = append(trades, Trade{ID: r.ID, Price: price, Qty: qty, Time: time.UnixMilli(r.Time).UTC(), Side: side})
	}
	return trades, nil
}

// Ticker returns the 24 hour statistics of symbol.
func (b *Binance) Ticker(ctx context.Context, symbol string) (*Ticker, error) {
	q := url.Values{}
	q.Set("symbol", NormalizeSymbol(symbol))

	var raw struct {
		Symbol             string `json:"symbol"`
		LastPrice          string `json:"lastPrice"`
		PriceChangePercent string `json:"priceChangePercent"`
		HighPrice          string `json:"highPrice"`
		LowPrice           string `json:"lowPrice"`
		Volume             string `json:"volume"`
		QuoteVolume        string `json:"quoteVolume"`
		Count              int64  `json:"count"`
	}
	if err := b.get(ctx, "/api/v3/ticker/24hr", q, &raw); err != nil {
		return nil, err
	}
	t := &Ticker{Symbol: raw.Symbol, Trades: raw.Count}
	fields := []struct {
		dst *float64
		src string
	}{
		{&t.LastPrice, raw.LastPrice},
		{&t.PriceChangePercent, raw.PriceChangePercent},
		{&t.High, raw.HighPrice},
		{&t.Low, raw.LowPrice},
		{&t.Volume, raw.Volume},
		{&t.QuoteVolume, raw.QuoteVolume},
	}
	for _, f := range fields {
		v, err := strconv.ParseFloat(f.src, 64)
		if err != nil {
			return nil, fmt.Errorf("decode ticker: %w", err)
		}
		*f.dst = v
	}
	return t, nil
}

// get performs a GET request and decodes the JSON body into out. Rate
// limited responses wait for Retry-After; server errors back off
// exponentially.
func (b *Binance) get(ctx context.Context, path string, q url.Values, out any) error {
	endpoint := b.baseURL + path + "?" + q.Encode()
	var lastErr error
	for attempt := 0; attempt < b.maxRetries; attempt++ {
		if err := b.limiter.Wait(ctx); err != nil {
			return err
		}
		wait, retry, err := b.do(ctx, endpoint, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || attempt == b.maxRetries-1 {
			break
		}
		if wait == 0 {
			wait = time.Second << attempt
		}
		b.logger.Warn("Binance request failed, retrying",
			"path", path, "attempt", attempt+1, "wait", wait, "error", err)
		if err := b.sleep(ctx, wait); err != nil {
			return err
		}
	}
	return lastErr
}

// do performs one request. When retry is set the request may be repeated
// after wait, or after the backoff delay when wait is zero.
func (b *Binance) do(ctx context.Context, endpoint string, out any) (wait time.Duration, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, false, fmt.Errorf("create binance request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, false, ctx.Err()
		}
		return 0, true, fmt.Errorf("binance request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return 0, false, fmt.Errorf("decode binance response: %w", err)
		}
		return 0, false, nil
	}

	apiErr := &APIError{Status: resp.StatusCode}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if json.Unmarshal(body, apiErr) != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot:
		return retryAfter(resp.Header.Get("Retry-After")), true, apiErr
	case resp.StatusCode >= 500:
		return 0, true, apiErr
	default:
		return 0, false, apiErr
	}
}

func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return min(time.Duration(secs)*time.Second, maxRetryAfter)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func clampLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	return min(limit, maxLimit)
}

// number decodes a JSON number that Binance may send as a string.
func number(raw json.RawMessage) (float64, error) {
	s := strings.Trim(string(raw), `"`)
	return strconv.ParseFloat(s, 64)
}

func levels(raw [][2]string) ([]Level, error) {
	out := make([]Level, 0, len(raw))
	for _, l := range raw {
		price, err := strconv.ParseFloat(l[0], 64)
		if err != nil {
			return nil, fmt.Errorf("decode depth price: %w", err)
		}
		qty, err := strconv.ParseFloat(l[1], 64)
		if err != nil {
			return nil, fmt.Errorf("decode depth qty: %w", err)
		}
		out = append(out, Level{Price: price, Qty: qty})
	}
	return out, nil
}
