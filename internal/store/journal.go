package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/predex/internal/domain"
)

var errInjected = errors.New("journal: injected failure")

var _ domain.Persistence = (*Journal)(nil)

// Journal is an in-memory domain.Persistence. It is the default driver and
// the durable store used in tests. Writes are idempotent on their ids.
type Journal struct {
	mu          sync.Mutex
	orders      map[string]domain.Order
	trades      map[string]domain.TradeExecution
	entries     map[string]struct{}
	balances    map[string]decimal.Decimal
	positions   map[string]map[domain.MarketKey]domain.SharePosition
	markets     map[string]domain.Market
	settlements map[string]domain.SettlementRecord
	failNext    int
}

// NewJournal creates an empty Journal.
func NewJournal() *Journal {
	return &Journal{
		orders:      make(map[string]domain.Order),
		trades:      make(map[string]domain.TradeExecution),
		entries:     make(map[string]struct{}),
		balances:    make(map[string]decimal.Decimal),
		positions:   make(map[string]map[domain.MarketKey]domain.SharePosition),
		markets:     make(map[string]domain.Market),
		settlements: make(map[string]domain.SettlementRecord),
	}
}

// FailNext makes the next n writes return an error.
func (j *Journal) FailNext(n int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.failNext = n
}

// fail must be called with mu held.
func (j *Journal) fail() error {
	if j.failNext > 0 {
		j.failNext--
		return errInjected
	}
	return nil
}

func (j *Journal) SaveOrder(_ context.Context, o domain.Order) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.fail(); err != nil {
		return err
	}
	if existing, ok := j.orders[o.OrderID]; ok && existing.FilledAmount.GreaterThan(o.FilledAmount) {
		// A later fill update already landed.
		o.FilledAmount = existing.FilledAmount
		o.Status = existing.Status
	}
	j.orders[o.OrderID] = o
	return nil
}

func (j *Journal) UpdateOrderFill(_ context.Context, orderID string, filled decimal.Decimal, status domain.OrderStatus) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.fail(); err != nil {
		return err
	}
	o, ok := j.orders[orderID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if filled.GreaterThanOrEqual(o.FilledAmount) {
		o.FilledAmount = filled
		o.Status = status
	} else if status == domain.OrderStatusCancelled {
		o.Status = status
	}
	j.orders[orderID] = o
	return nil
}

func (j *Journal) SaveTrade(_ context.Context, t domain.TradeExecution) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.fail(); err != nil {
		return err
	}
	if _, ok := j.trades[t.TradeID]; ok {
		return nil
	}
	j.trades[t.TradeID] = t
	return nil
}

func (j *Journal) LoadRestingOrders(_ context.Context, key domain.MarketKey) ([]domain.Order, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var out []domain.Order
	for _, o := range j.orders {
		if o.Key() == key && o.Type == domain.OrderTypeLimit && o.Status.IsResting() {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

func (j *Journal) EnsureAccount(_ context.Context, address string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.fail(); err != nil {
		return err
	}
	if _, ok := j.balances[address]; !ok {
		j.balances[address] = decimal.Zero
	}
	return nil
}

func (j *Journal) CreditBalance(_ context.Context, c domain.BalanceChange) error {
	return j.applyBalance(c, c.Delta.Abs())
}

func (j *Journal) DebitBalance(_ context.Context, c domain.BalanceChange) error {
	return j.applyBalance(c, c.Delta.Abs().Neg())
}

func (j *Journal) applyBalance(c domain.BalanceChange, delta decimal.Decimal) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.fail(); err != nil {
		return err
	}
	if _, ok := j.entries[c.EntryID]; ok {
		return nil
	}
	j.entries[c.EntryID] = struct{}{}
	j.balances[c.UserAddress] = j.balances[c.UserAddress].Add(delta)
	return nil
}

func (j *Journal) RecordShareChange(_ context.Context, c domain.ShareChange) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.fail(); err != nil {
		return err
	}
	if _, ok := j.entries[c.EntryID]; ok {
		return nil
	}
	j.entries[c.EntryID] = struct{}{}
	p, ok := j.positions[c.UserAddress]
	if !ok {
		p = make(map[domain.MarketKey]domain.SharePosition)
		j.positions[c.UserAddress] = p
	}
	pos := p[c.Key()]
	pos.AvgCost = ReweightAvgCost(pos.Amount, pos.AvgCost, c.Delta, c.Price)
	pos.Amount = pos.Amount.Add(c.Delta)
	pos.UpdatedAt = c.CreatedAt
	p[c.Key()] = pos
	return nil
}

func (j *Journal) LoadAccounts(_ context.Context) ([]domain.AccountState, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]domain.AccountState, 0, len(j.balances))
	for addr, bal := range j.balances {
		st := domain.AccountState{Address: addr, Balance: bal}
		for k, pos := range j.positions[addr] {
			if pos.Amount.IsZero() {
				continue
			}
			pos.UserAddress = addr
			pos.MarketID = k.MarketID
			pos.OutcomeID = k.OutcomeID
			pos.ShareType = k.ShareType
			st.Positions = append(st.Positions, pos)
		}
		sort.Slice(st.Positions, func(a, b int) bool {
			return st.Positions[a].Key().Less(st.Positions[b].Key())
		})
		out = append(out, st)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Address < out[b].Address })
	return out, nil
}

func (j *Journal) SaveMarket(_ context.Context, m domain.Market) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.fail(); err != nil {
		return err
	}
	j.markets[m.MarketID] = *m.Clone()
	return nil
}

func (j *Journal) LoadMarkets(_ context.Context) ([]domain.Market, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]domain.Market, 0, len(j.markets))
	for _, m := range j.markets {
		out = append(out, *m.Clone())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].MarketID < out[b].MarketID })
	return out, nil
}

func (j *Journal) SaveSettlement(_ context.Context, r domain.SettlementRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.fail(); err != nil {
		return err
	}
	k := r.MarketID + "|" + r.UserAddress
	if _, ok := j.settlements[k]; !ok {
		j.settlements[k] = r
	}
	return nil
}

func (j *Journal) LoadSettlements(_ context.Context) ([]domain.SettlementRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]domain.SettlementRecord, 0, len(j.settlements))
	for _, r := range j.settlements {
		out = append(out, r)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].SettledAt.Before(out[b].SettledAt) })
	return out, nil
}

// Order returns the persisted copy of an order.
func (j *Journal) Order(id string) (domain.Order, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	o, ok := j.orders[id]
	return o, ok
}

// TradeCount returns the number of distinct persisted executions.
func (j *Journal) TradeCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.trades)
}

// Balance returns the persisted balance of a user.
func (j *Journal) Balance(user string) decimal.Decimal {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.balances[user]
}

// Settled reports whether a settlement was persisted for the pair.
func (j *Journal) Settled(marketID, user string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, ok := j.settlements[marketID+"|"+user]
	return ok
}
