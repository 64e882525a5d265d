package agent

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/agentchat/internal/domain"
	"github.com/ashureev/agentchat/internal/extract"
	"github.com/ashureev/agentchat/internal/llm"
	"github.com/ashureev/agentchat/internal/market"
	"github.com/ashureev/agentchat/internal/search"
	"github.com/ashureev/agentchat/internal/stream"
)

// MarketData is the source of the crypto agent's market data tools.
type MarketData interface {
	Ticker(ctx context.Context, symbol string) (*market.Ticker, error)
	Klines(ctx context.Context, symbol, interval string, limit int) ([]market.Kline, error)
	OrderBook(ctx context.Context, symbol string, limit int) (*market.OrderBook, error)
	RecentTrades(ctx context.Context, symbol string, limit int) ([]market.Trade, error)
}

const (
	// maxMarketCalls bounds the market data requests of one reply.
	maxMarketCalls = 4

	maxKlines     = 200
	maxBookLevels = 10
)

// Crypto is the market analyst. When its first reply requests market data,
// the data is fetched and shown, then the model answers again with the data
// in its history.
type Crypto struct {
	llm       llm.Provider
	market    MarketData
	search    search.Searcher
	extractor *extract.Extractor
	logger    *slog.Logger
	now       func() time.Time
}

// NewCrypto returns the market analyst.
func NewCrypto(deps Deps) *Crypto {
	deps = deps.withDefaults()
	return &Crypto{
		llm:       deps.LLM,
		market:    deps.Market,
		search:    deps.Search,
		extractor: extract.New(extract.DefaultOptions(), deps.Logger),
		logger:    deps.Logger,
		now:       deps.Now,
	}
}

// Run implements Agent.
func (c *Crypto) Run(ctx context.Context, turn Turn) iter.Seq2[stream.Event, error] {
	return func(yield func(stream.Event, error) bool) {
		system, ok := preamble(ctx, turn, cryptoInstruction(c.now()), c.search, c.logger, yield)
		if !ok {
			return
		}
		req := llm.Request{
			Model:   turn.Model,
			System:  system,
			History: turn.History,
			Prompt:  turn.Message,
		}
		reply, ok := relay(ctx, c.llm, req, yield)
		if !ok {
			return
		}

		calls := c.extractor.Parse(reply).ToolCalls
		if len(calls) == 0 {
			return
		}
		if len(calls) > maxMarketCalls {
			c.logger.Warn("Too many market data requests in reply, truncating",
				"session_id", turn.SessionID, "count", len(calls))
			calls = calls[:maxMarketCalls]
		}

		history := append(slices.Clone(turn.History),
			domain.NewMessage(domain.RoleUser, turn.Message, nil),
			domain.NewMessage(domain.RoleAssistant, reply, nil),
		)
		for _, call := range calls {
			if ctx.Err() != nil {
				yield(stream.Event{}, ctx.Err())
				return
			}
			if !yield(stream.Status("Fetching "+call.Tool+"..."), nil) {
				return
			}
			text, execErr := c.execute(ctx, call)
			if execErr != nil {
				c.logger.Warn("Market data request failed",
					"session_id", turn.SessionID, "tool", call.Tool, "error", execErr)
				text = "❌ Execution failed: " + call.Tool + ": " + execErr.Error()
			}
			if !yield(stream.System(text), nil) {
				return
			}
			if ev, err := stream.LogEvent(map[string]any{
				"tool": call.Tool, "params": call.Params, "ok": execErr == nil,
			}); err == nil && !yield(ev, nil) {
				return
			}
			history = append(history, domain.NewMessage(domain.RoleSystem, text, nil))
		}

		if !yield(stream.Token("\n\n"), nil) {
			return
		}
		follow := llm.Request{
			Model:   turn.Model,
			System:  system,
			History: history,
			Prompt:  cryptoFollowUpPrompt(turn.Message),
		}
		if _, ok := relay(ctx, c.llm, follow, yield); ok {
			c.logger.Debug("Crypto turn finished",
				"session_id", turn.SessionID, "market_calls", len(calls))
		}
	}
}

func (c *Crypto) execute(ctx context.Context, call extract.ToolCall) (string, error) {
	if c.market == nil {
		return "", errors.New("market data is not configured")
	}
	symbol, err := stringParam(call.Params, "symbol")
	if err != nil {
		return "", err
	}
	symbol = market.NormalizeSymbol(symbol)

	var body string
	switch call.Tool {
	case "get_ticker":
		t, err := c.market.Ticker(ctx, symbol)
		if err != nil {
			return "", err
		}
		body = formatTicker(t)
	case "get_klines":
		interval, _ := call.Params["interval"].(string)
		if interval == "" {
			interval = "1h"
		}
		klines, err := c.market.Klines(ctx, symbol, interval, min(intParam(call.Params, "limit", 24), maxKlines))
		if err != nil {
			return "", err
		}
		body = formatKlines(klines)
	case "get_order_book":
		book, err := c.market.OrderBook(ctx, symbol, intParam(call.Params, "limit", 20))
		if err != nil {
			return "", err
		}
		body = formatBook(book)
	case "get_trades":
		trades, err := c.market.RecentTrades(ctx, symbol, intParam(call.Params, "limit", 100))
		if err != nil {
			return "", err
		}
		body = formatTrades(trades)
	default:
		return "", fmt.Errorf("unknown tool %q", call.Tool)
	}
	return "📊 Execution result: " + call.Tool + " " + symbol + "\n```\n" + body + "\n```", nil
}

// intParam reads a numeric parameter, which JSON decodes as float64.
func intParam(params map[string]any, name string, fallback int) int {
	switch v := params[name].(type) {
	case float64:
		if v > 0 {
			return int(v)
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatTicker(t *market.Ticker) string {
	return fmt.Sprintf("last price: %s\n24h change: %s%%\n24h high: %s\n24h low: %s\nvolume: %s\nquote volume: %s\ntrades: %d",
		num(t.LastPrice), num(t.PriceChangePercent), num(t.High), num(t.Low), num(t.Volume), num(t.QuoteVolume), t.Trades)
}

func formatKlines(klines []market.Kline) string {
	if len(klines) == 0 {
		return "(no candles)"
	}
	var b strings.Builder
	b.WriteString("open time (UTC)   open high low close volume\n")
	for _, k := range klines {
		fmt.Fprintf(&b, "%s  %s %s %s %s %s\n",
			k.OpenTime.Format("2006-01-02 15:04"), num(k.Open), num(k.High), num(k.Low), num(k.Close), num(k.Volume))
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatBook(book *market.OrderBook) string {
	var b strings.Builder
	fmt.Fprintf(&b, "best bid: %s\nbest ask: %s\nspread: %.4f%%\n", num(book.BestBid()), num(book.BestAsk()), book.SpreadPercent())
	side := func(name string, levels []market.Level) {
		fmt.Fprintf(&b, "%s:\n", name)
		for _, l := range levels[:min(len(levels), maxBookLevels)] {
			fmt.Fprintf(&b, "  %s x %s\n", num(l.Price), num(l.Qty))
		}
	}
	side("asks", book.Asks)
	side("bids", book.Bids)
	return strings.TrimRight(b.String(), "\n")
}

func formatTrades(trades []market.Trade) string {
	if len(trades) == 0 {
		return "(no trades)"
	}
	var buyQty, sellQty, notional, qty float64
	for _, t := range trades {
		if t.Side == "buy" {
			buyQty += t.Qty
		} else {
			sellQty += t.Qty
		}
		notional += t.Price * t.Qty
		qty += t.Qty
	}
	last := trades[len(trades)-1]
	vwap := 0.0
	if qty > 0 {
		vwap = notional / qty
	}
	return fmt.Sprintf("trades: %d\nfrom: %s\nto: %s\nlast price: %s\nbuy qty: %s\nsell qty: %s\nvwap: %.8g",
		len(trades),
		trades[0].Time.Format(time.DateTime), last.Time.Format(time.DateTime),
		num(last.Price), num(buyQty), num(sellQty), vwap)
}
