package service

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/predex/internal/domain"
	"github.com/efreitasn/predex/internal/engine"
	"github.com/efreitasn/predex/internal/outbox"
	"github.com/efreitasn/predex/internal/pubsub"
	"github.com/efreitasn/predex/internal/store"
)

// eventBookDepth is the number of levels per side in published orderbook
// snapshots.
const eventBookDepth = 10

// Outbox accepts the writes and events of one completed operation.
type Outbox interface {
	Submit(ctx context.Context, env outbox.Envelope) error
}

// handOff submits the envelope of a change already applied in memory. The
// change stands either way, so a failed hand-off is logged, not returned.
func handOff(ctx context.Context, ob Outbox, logger *slog.Logger, env outbox.Envelope, msg string, attrs ...slog.Attr) {
	if err := ob.Submit(context.WithoutCancel(ctx), env); err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		logger.LogAttrs(ctx, slog.LevelError, msg, attrs...)
	}
}

// Notifier turns engine and oracle callbacks into outbox envelopes. It
// implements engine.ExpiryNotifier and oracle.Notifier.
type Notifier struct {
	outbox  Outbox
	matcher *engine.Matcher
	logger  *slog.Logger
}

// NewNotifier creates a Notifier.
func NewNotifier(ob Outbox, matcher *engine.Matcher, logger *slog.Logger) *Notifier {
	return &Notifier{
		outbox:  ob,
		matcher: matcher,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// OrderExpired persists and announces an order cancelled by the expiry
// manager.
func (n *Notifier) OrderExpired(ctx context.Context, order domain.Order) {
	env := cancelEnvelope([]domain.Order{order}, "expired", n.matcher)
	if err := n.outbox.Submit(ctx, env); err != nil {
		n.logger.Error("expired order not submitted",
			slog.String("order_id", order.OrderID),
			slog.String("error", err.Error()),
		)
	}
}

// ProbabilityChanged persists and announces a market whose probability
// moved.
func (n *Notifier) ProbabilityChanged(ctx context.Context, market domain.Market) {
	if err := n.outbox.Submit(ctx, marketEnvelope(market)); err != nil {
		n.logger.Error("market update not submitted",
			slog.String("market_id", market.MarketID),
			slog.String("error", err.Error()),
		)
	}
}

func marketEnvelope(m domain.Market) outbox.Envelope {
	return outbox.Envelope{
		Writes:     []outbox.Write{outbox.SaveMarket(m)},
		Events:     pubsub.MarketEvents(m),
		Invalidate: []string{m.MarketID},
	}
}

// cancelEnvelope records cancelled orders and publishes the books they
// left.
func cancelEnvelope(orders []domain.Order, reason string, matcher *engine.Matcher) outbox.Envelope {
	var env outbox.Envelope
	touched := make(map[domain.MarketKey]bool)
	var keys []domain.MarketKey
	for _, o := range orders {
		env.Writes = append(env.Writes, outbox.UpdateOrderFill(o))
		env.Events = append(env.Events, pubsub.Event{
			Channel: pubsub.OrdersChannel(o.UserAddress),
			Payload: pubsub.NewOrderUpdate(o, reason),
		})
		if k := o.Key(); !touched[k] {
			touched[k] = true
			keys = append(keys, k)
		}
	}
	for _, k := range keys {
		env.Events = append(env.Events, pubsub.OrderbookEvents(matcher.BookSnapshot(k, eventBookDepth))...)
	}
	return env
}

// sharePrice values a share at its outcome's current probability.
func sharePrice(m *domain.Market, key domain.MarketKey) decimal.Decimal {
	o, ok := m.Outcome(key.OutcomeID)
	if !ok {
		return decimal.Zero
	}
	if key.ShareType == domain.ShareNo {
		return domain.Complement(o.Probability)
	}
	return o.Probability
}

func shareEvent(kind domain.ShareChangeType) string {
	switch kind {
	case domain.ShareChangeMint:
		return pubsub.ShareEventMint
	case domain.ShareChangeMerge:
		return pubsub.ShareEventMerge
	case domain.ShareChangeRedeem:
		return pubsub.ShareEventSettle
	default:
		return pubsub.ShareEventTrade
	}
}

// shareEvents reports the current state of every position touched by
// changes, once per position, labelled with its latest change.
func shareEvents(changes []domain.ShareChange, accounts *store.AccountStore, markets *store.MarketStore) []pubsub.Event {
	type userKey struct {
		user string
		key  domain.MarketKey
	}
	latest := make(map[userKey]domain.ShareChangeType)
	var order []userKey
	for i := range changes {
		uk := userKey{changes[i].UserAddress, changes[i].Key()}
		if _, seen := latest[uk]; !seen {
			order = append(order, uk)
		}
		latest[uk] = changes[i].ChangeType
	}

	var events []pubsub.Event
	for _, uk := range order {
		account, err := accounts.Get(uk.user)
		if err != nil {
			continue
		}
		m, err := markets.Get(uk.key.MarketID)
		if err != nil {
			continue
		}
		account.Mu.Lock()
		pos := *account.Position(uk.key)
		account.Mu.Unlock()
		events = append(events, pubsub.Event{
			Channel: pubsub.SharesChannel(uk.user),
			Payload: pubsub.NewShareUpdate(pos, sharePrice(m, uk.key), shareEvent(latest[uk])),
		})
	}
	return events
}
