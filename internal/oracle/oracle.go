// Package oracle derives outcome probabilities from orderbooks, trades,
// admin overrides and external feeds.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/predex/internal/domain"
	"github.com/efreitasn/predex/internal/engine"
	"github.com/efreitasn/predex/internal/store"
)

// Notifier is told about every probability change.
type Notifier interface {
	ProbabilityChanged(ctx context.Context, market domain.Market)
}

// Oracle computes and stores Outcome.Probability. Values written through
// it always lie in [0.01, 0.99].
type Oracle struct {
	markets  *store.MarketStore
	books    *engine.BookManager
	trades   *store.TradeStore
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.RWMutex // protects sources
	sources map[string]ExternalSource
}

// New creates an Oracle with the unsupported on-chain sources registered.
func New(
	markets *store.MarketStore,
	books *engine.BookManager,
	trades *store.TradeStore,
	notifier Notifier,
	logger *slog.Logger,
) *Oracle {
	o := &Oracle{
		markets:  markets,
		books:    books,
		trades:   trades,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "oracle")),
		now:      time.Now,
		sources:  make(map[string]ExternalSource),
	}
	for _, name := range []string{"chainlink", "uma", "pyth"} {
		o.Register(UnsupportedSource(name))
	}
	return o
}

// Register adds or replaces an external source under its name.
func (o *Oracle) Register(src ExternalSource) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sources[src.Name()] = src
}

// UpdateFromOrderbook recomputes an outcome's probability from its Yes
// and No books. The No book is read in Yes terms: a No bid at q is a Yes
// ask at 1-q and a No ask at q a Yes bid at 1-q.
func (o *Oracle) UpdateFromOrderbook(ctx context.Context, marketID, outcomeID string) (decimal.Decimal, error) {
	if err := o.checkOpen(marketID, outcomeID); err != nil {
		return decimal.Zero, err
	}
	yesKey := domain.MarketKey{MarketID: marketID, OutcomeID: outcomeID, ShareType: domain.ShareYes}

	bid, ask := o.topOfBook(yesKey)
	var p decimal.Decimal
	switch {
	case bid.ok && ask.ok:
		total := bid.volume.Add(ask.volume)
		p = bid.price.Mul(ask.volume).Add(ask.price.Mul(bid.volume)).DivRound(total, 8)
	case bid.ok:
		p = bid.price
	case ask.ok:
		p = ask.price
	default:
		p = o.lastTradePrice(yesKey)
	}
	return o.write(ctx, marketID, outcomeID, p)
}

type level struct {
	price  decimal.Decimal
	volume decimal.Decimal
	ok     bool
}

// merge keeps the better of two levels; equal prices pool their volume.
func (l level) merge(other level, better func(a, b decimal.Decimal) bool) level {
	switch {
	case !other.ok:
		return l
	case !l.ok, better(other.price, l.price):
		return other
	case other.price.Equal(l.price):
		l.volume = l.volume.Add(other.volume)
	}
	return l
}

func (o *Oracle) topOfBook(yesKey domain.MarketKey) (bid, ask level) {
	yes, no, unlock := o.books.RLockPair(yesKey, yesKey.Complement())
	defer unlock()

	if l, ok := yes.BestBidLevel(); ok {
		bid = level{price: l.Price, volume: l.TotalAmount, ok: true}
	}
	if l, ok := yes.BestAskLevel(); ok {
		ask = level{price: l.Price, volume: l.TotalAmount, ok: true}
	}
	if l, ok := no.BestAskLevel(); ok {
		bid = bid.merge(level{price: domain.Complement(l.Price), volume: l.TotalAmount, ok: true}, decimal.Decimal.GreaterThan)
	}
	if l, ok := no.BestBidLevel(); ok {
		ask = ask.merge(level{price: domain.Complement(l.Price), volume: l.TotalAmount, ok: true}, decimal.Decimal.LessThan)
	}
	return bid, ask
}

// lastTradePrice returns the latest print on either book in Yes terms, or
// 0.5 when the outcome never traded.
func (o *Oracle) lastTradePrice(yesKey domain.MarketKey) decimal.Decimal {
	yes, yesOK := o.trades.Last(yesKey)
	no, noOK := o.trades.Last(yesKey.Complement())
	switch {
	case yesOK && (!noOK || !no.Timestamp.After(yes.Timestamp)):
		return yes.Price
	case noOK:
		return domain.Complement(no.Price)
	}
	return domain.Half
}

// UpdateFromTrade sets the probability from an executed trade price. Trades
// on the No book are converted to Yes terms.
func (o *Oracle) UpdateFromTrade(ctx context.Context, trade domain.TradeExecution) (decimal.Decimal, error) {
	if err := o.checkOpen(trade.MarketID, trade.OutcomeID); err != nil {
		return decimal.Zero, err
	}
	p := trade.Price
	if trade.ShareType == domain.ShareNo {
		p = domain.Complement(p)
	}
	return o.write(ctx, trade.MarketID, trade.OutcomeID, p)
}

// SetProbabilityManual is the admin override. It works on markets in any
// status; any value, including 0, 1 or out of range, is clipped to
// [0.01, 0.99].
func (o *Oracle) SetProbabilityManual(ctx context.Context, marketID, outcomeID string, prob decimal.Decimal) (decimal.Decimal, error) {
	return o.write(ctx, marketID, outcomeID, domain.ClipProbability(prob))
}

// FetchFromExternal reads the probability of an outcome from a registered
// external source.
func (o *Oracle) FetchFromExternal(ctx context.Context, marketID, outcomeID, source string) (decimal.Decimal, error) {
	o.mu.RLock()
	src, ok := o.sources[source]
	o.mu.RUnlock()
	if !ok {
		return decimal.Zero, domain.ErrUnknownOracleSource
	}
	if err := o.checkOpen(marketID, outcomeID); err != nil {
		return decimal.Zero, err
	}
	p, err := src.Probability(ctx, marketID, outcomeID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch %s probability: %w", source, err)
	}
	return o.write(ctx, marketID, outcomeID, p)
}

// RefreshAllFromOrderbook updates every outcome of every active market.
// A failure on one outcome is logged and does not stop the others.
func (o *Oracle) RefreshAllFromOrderbook(ctx context.Context) error {
	active := domain.MarketStatusActive
	var errs []error
	for _, m := range o.markets.List(&active) {
		for _, oc := range m.Outcomes {
			if ctx.Err() != nil {
				return errors.Join(append(errs, ctx.Err())...)
			}
			if _, err := o.UpdateFromOrderbook(ctx, m.MarketID, oc.OutcomeID); err != nil {
				o.logger.Warn("probability refresh failed",
					slog.String("market_id", m.MarketID),
					slog.String("outcome_id", oc.OutcomeID),
					slog.String("error", err.Error()),
				)
				errs = append(errs, fmt.Errorf("%s/%s: %w", m.MarketID, oc.OutcomeID, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (o *Oracle) checkOpen(marketID, outcomeID string) error {
	m, err := o.markets.Get(marketID)
	if err != nil {
		return err
	}
	if !m.HasOutcome(outcomeID) {
		return domain.ErrOutcomeNotFound
	}
	if m.Status != domain.MarketStatusActive {
		return domain.ErrMarketNotActive
	}
	return nil
}

// write clips p, stores it and notifies when the value changed.
func (o *Oracle) write(ctx context.Context, marketID, outcomeID string, p decimal.Decimal) (decimal.Decimal, error) {
	before, err := o.markets.Get(marketID)
	if err != nil {
		return decimal.Zero, err
	}
	prev, ok := before.Outcome(outcomeID)
	if !ok {
		return decimal.Zero, domain.ErrOutcomeNotFound
	}

	m, err := o.markets.SetProbability(marketID, outcomeID, p, o.now())
	if err != nil {
		return decimal.Zero, err
	}
	cur, _ := m.Outcome(outcomeID)
	if !cur.Probability.Equal(prev.Probability) && o.notifier != nil {
		o.notifier.ProbabilityChanged(ctx, *m)
	}
	return cur.Probability, nil
}
