package market

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/margin"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/position"
	"github.com/atmx/perp-engine/internal/vamm"
)

// txn stages the effects of one call. Value fields are copies; the maps
// overlay the engine maps and hold only what the call touched. Nothing
// reaches the engine before commit.
type txn struct {
	e         *Engine
	now       time.Time
	reading   oracle.Reading
	oracleErr error

	market    model.Market
	funding   model.FundingState
	vault     model.Vault
	accounts  map[string]model.MarginAccount
	positions map[uuid.UUID]model.Position
	active    map[string]uuid.UUID // uuid.Nil clears
	events    []model.Event
	seq       int64
	dirty     bool
}

// begin must be called with e.mu held.
func (e *Engine) begin(now time.Time, reading oracle.Reading, oracleErr error) *txn {
	return &txn{
		e:         e,
		now:       now,
		reading:   reading,
		oracleErr: oracleErr,
		market:    e.market,
		funding:   e.funding,
		vault:     e.vault,
		accounts:  make(map[string]model.MarginAccount),
		positions: make(map[uuid.UUID]model.Position),
		active:    make(map[string]uuid.UUID),
		seq:       e.eventSeq,
	}
}

func (tx *txn) requireLive() error {
	if tx.market.Paused {
		return ErrMarketPaused
	}
	return nil
}

func (tx *txn) indexPrice() (decimal.Decimal, error) {
	if tx.oracleErr != nil {
		return decimal.Zero, tx.oracleErr
	}
	return tx.reading.Price, nil
}

func (tx *txn) reserves() vamm.Reserves {
	return vamm.Reserves{Base: tx.market.BaseReserve, Quote: tx.market.QuoteReserve, K: tx.market.K}
}

func (tx *txn) setReserves(r vamm.Reserves) {
	tx.market.BaseReserve = r.Base
	tx.market.QuoteReserve = r.Quote
	tx.dirty = true
}

func (tx *txn) markPrice() (decimal.Decimal, error) {
	return tx.reserves().MarkPrice()
}

func (tx *txn) account(account string) (model.MarginAccount, bool) {
	if a, ok := tx.accounts[account]; ok {
		return a, true
	}
	a, ok := tx.e.accounts[account]
	return a, ok
}

// accountOrNew returns the account or a fresh empty one.
func (tx *txn) accountOrNew(account string) model.MarginAccount {
	if a, ok := tx.account(account); ok {
		return a
	}
	return margin.NewAccount(account)
}

func (tx *txn) putAccount(a model.MarginAccount) {
	a.UpdatedAt = tx.now
	tx.accounts[a.Account] = a
	tx.dirty = true
}

func (tx *txn) position(id uuid.UUID) (model.Position, bool) {
	if p, ok := tx.positions[id]; ok {
		return p, true
	}
	p, ok := tx.e.positions[id]
	return p, ok
}

func (tx *txn) putPosition(p model.Position) {
	tx.positions[p.ID] = p
	tx.dirty = true
}

func (tx *txn) activeID(account string) (uuid.UUID, bool) {
	if id, ok := tx.active[account]; ok {
		return id, id != uuid.Nil
	}
	id, ok := tx.e.active[account]
	return id, ok
}

func (tx *txn) setActive(account string, id uuid.UUID) {
	tx.active[account] = id
}

func (tx *txn) clearActive(account string) {
	tx.active[account] = uuid.Nil
}

// ownedActive loads an active position owned by account.
func (tx *txn) ownedActive(account string, id uuid.UUID) (model.Position, error) {
	p, ok := tx.position(id)
	if !ok {
		return model.Position{}, ErrPositionNotFound
	}
	if p.Account != account {
		return model.Position{}, ErrNotOwner
	}
	if !p.IsActive {
		return model.Position{}, position.ErrInactive
	}
	return p, nil
}

func (tx *txn) emit(typ model.EventType, account string, positionID uuid.UUID, data map[string]decimal.Decimal) {
	tx.seq++
	ev := model.Event{
		ID:      uuid.New(),
		Seq:     tx.seq,
		Market:  tx.market.Symbol,
		Type:    typ,
		Account: account,
		Data:    data,
		Time:    tx.now,
	}
	if positionID != uuid.Nil {
		ev.PositionID = positionID.String()
	}
	tx.events = append(tx.events, ev)
	tx.dirty = true
}

// addOpenInterest moves the open interest of one side by delta base units.
func (tx *txn) addOpenInterest(isLong bool, delta decimal.Decimal) {
	if isLong {
		tx.market.OpenInterestLong = decimal.Max(decimal.Zero, tx.market.OpenInterestLong.Add(delta))
	} else {
		tx.market.OpenInterestShort = decimal.Max(decimal.Zero, tx.market.OpenInterestShort.Add(delta))
	}
}

func (tx *txn) openInterest(isLong bool) decimal.Decimal {
	if isLong {
		return tx.market.OpenInterestLong
	}
	return tx.market.OpenInterestShort
}

// refresh recomputes the cached unrealized PnL of account at price.
func (tx *txn) refresh(account string, price decimal.Decimal) {
	a, ok := tx.account(account)
	if !ok {
		return
	}
	a.UnrealizedPnL = decimal.Zero
	if id, ok := tx.activeID(account); ok {
		if p, ok := tx.position(id); ok {
			a.UnrealizedPnL = position.UnrealizedPnL(p, price, tx.funding)
		}
	}
	tx.putAccount(a)
}

// commit publishes the staged state to the engine. It must be called with
// e.mu held and returns what changed, sorted for deterministic output.
func (tx *txn) commit() model.Changes {
	e := tx.e
	tx.market.UpdatedAt = tx.now
	e.market = tx.market
	e.funding = tx.funding
	e.vault = tx.vault
	e.eventSeq = tx.seq

	changes := model.Changes{
		Market:  tx.market,
		Funding: tx.funding,
		Vault:   tx.vault,
		Events:  tx.events,
	}
	for k, a := range tx.accounts {
		e.accounts[k] = a
		changes.Accounts = append(changes.Accounts, a)
	}
	for id, p := range tx.positions {
		e.positions[id] = p
		changes.Positions = append(changes.Positions, p)
	}
	for account, id := range tx.active {
		if id == uuid.Nil {
			delete(e.active, account)
		} else {
			e.active[account] = id
		}
	}

	sort.Slice(changes.Accounts, func(i, j int) bool {
		return changes.Accounts[i].Account < changes.Accounts[j].Account
	})
	sort.Slice(changes.Positions, func(i, j int) bool {
		return changes.Positions[i].ID.String() < changes.Positions[j].ID.String()
	})
	return changes
}
