package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/predex/internal/domain"
	"github.com/efreitasn/predex/internal/engine"
	"github.com/efreitasn/predex/internal/oracle"
	"github.com/efreitasn/predex/internal/outbox"
	"github.com/efreitasn/predex/internal/store"
)

const testTreasury = "0xtreasury"

var (
	yesKey = domain.MarketKey{MarketID: "m1", OutcomeID: "o1", ShareType: domain.ShareYes}
	noKey  = yesKey.Complement()
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func assertDec(t *testing.T, label string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(dec(want)) {
		t.Errorf("%s = %s, want %s", label, got, want)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingOutbox keeps every submitted envelope and applies its writes to
// a journal, so tests can inspect both.
type recordingOutbox struct {
	mu      sync.Mutex
	envs    []outbox.Envelope
	journal *store.Journal
	err     error
}

func (r *recordingOutbox) Submit(ctx context.Context, env outbox.Envelope) error {
	if r.err != nil {
		return r.err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	for _, w := range env.Writes {
		if err := w.Apply(ctx, r.journal); err != nil {
			return err
		}
	}
	return nil
}

func (r *recordingOutbox) last() outbox.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.envs) == 0 {
		return outbox.Envelope{}
	}
	return r.envs[len(r.envs)-1]
}

func (r *recordingOutbox) channels() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int)
	for _, env := range r.envs {
		for _, ev := range env.Events {
			out[ev.Channel]++
		}
	}
	return out
}

// testEnv bundles all dependencies needed for service tests.
type testEnv struct {
	accounts    *store.AccountStore
	markets     *store.MarketStore
	trades      *store.TradeStore
	settlements *store.SettlementStore
	matcher     *engine.Matcher
	expiry      *engine.ExpiryManager
	oracle      *oracle.Oracle
	outbox      *recordingOutbox

	accountSvc    *AccountService
	orderSvc      *OrderService
	marketSvc     *MarketService
	settlementSvc *SettlementService
}

// newTestEnv wires the services around fresh stores with a fee base rate
// of 0.02 and one active binary market "m1" (o1 Yes, o2 No).
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := newBareEnv(t, store.NewJournal())
	_, err := env.marketSvc.CreateMarket(context.Background(), CreateMarketRequest{
		MarketID: "m1",
		Question: "Will it happen?",
		Outcomes: []OutcomeInput{{OutcomeID: "o1", Name: "Yes"}, {OutcomeID: "o2", Name: "No"}},
	})
	if err != nil {
		t.Fatalf("create market: %v", err)
	}
	return env
}

// newBareEnv wires the services with no markets, recording into journal.
func newBareEnv(t *testing.T, journal *store.Journal) *testEnv {
	t.Helper()
	logger := discardLogger()

	env := &testEnv{
		accounts:    store.NewAccountStore(),
		markets:     store.NewMarketStore(),
		trades:      store.NewTradeStore(),
		settlements: store.NewSettlementStore(),
		outbox:      &recordingOutbox{journal: journal},
	}
	fees, err := engine.NewFeeSchedule(dec("0.02"))
	if err != nil {
		t.Fatalf("fee schedule: %v", err)
	}
	books := engine.NewBookManager()
	env.matcher = engine.NewMatcher(books, env.accounts, store.NewOrderStore(), env.trades, env.markets, fees, testTreasury)
	notifier := NewNotifier(env.outbox, env.matcher, logger)
	env.expiry = engine.NewExpiryManager(time.Second, env.matcher, notifier)
	env.oracle = oracle.New(env.markets, books, env.trades, notifier, logger)

	env.accountSvc = NewAccountService(env.accounts, env.markets, env.outbox, logger)
	env.orderSvc = NewOrderService(env.matcher, env.expiry, env.oracle, env.accounts, env.markets, env.trades, env.outbox, logger)
	env.marketSvc = NewMarketService(env.markets, env.trades, env.matcher, env.expiry, env.oracle, env.outbox, logger)
	env.settlementSvc = NewSettlementService(env.markets, env.accounts, env.settlements, env.outbox, logger)
	return env
}

// register is a helper that registers an account with a cash balance.
func (env *testEnv) register(t *testing.T, addr, balance string) {
	t.Helper()
	_, err := env.accountSvc.Register(context.Background(), RegisterAccountRequest{
		Address:        addr,
		InitialBalance: dec(balance),
	})
	if err != nil {
		t.Fatalf("failed to register account %s: %v", addr, err)
	}
}

func (env *testEnv) limit(t *testing.T, user string, key domain.MarketKey, side domain.OrderSide, price, amount string) *PlaceOrderResponse {
	t.Helper()
	resp, err := env.orderSvc.PlaceOrder(context.Background(), PlaceOrderRequest{
		UserAddress: user,
		MarketID:    key.MarketID,
		OutcomeID:   key.OutcomeID,
		ShareType:   key.ShareType,
		Side:        side,
		Type:        domain.OrderTypeLimit,
		Price:       decPtr(price),
		Amount:      dec(amount),
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	return resp
}

// mint gives yesUser and noUser amount shares each by crossing a Yes buy
// at yesPrice with a No buy at 1 − yesPrice.
func (env *testEnv) mint(t *testing.T, yesUser, noUser, yesPrice, amount string) {
	t.Helper()
	env.limit(t, noUser, noKey, domain.OrderSideBuy, domain.Complement(dec(yesPrice)).String(), amount)
	resp := env.limit(t, yesUser, yesKey, domain.OrderSideBuy, yesPrice, amount)
	if resp.Order.Status != domain.OrderStatusFilled {
		t.Fatalf("mint did not fill: %s", resp.Order.Status)
	}
}

func (env *testEnv) account(t *testing.T, addr string) *domain.Account {
	t.Helper()
	a, err := env.accounts.Get(addr)
	if err != nil {
		t.Fatalf("account %s: %v", addr, err)
	}
	return a
}
