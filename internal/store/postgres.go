package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const schema = `
CREATE TABLE IF NOT EXISTS perp_markets (
	symbol              TEXT PRIMARY KEY,
	base_reserve        NUMERIC NOT NULL,
	quote_reserve       NUMERIC NOT NULL,
	k                   NUMERIC NOT NULL,
	params              JSONB NOT NULL,
	paused              BOOLEAN NOT NULL DEFAULT FALSE,
	open_interest_long  NUMERIC NOT NULL DEFAULT 0,
	open_interest_short NUMERIC NOT NULL DEFAULT 0,
	funding_rate        NUMERIC NOT NULL DEFAULT 0,
	funding_index       NUMERIC NOT NULL DEFAULT 0,
	funding_cumulative  NUMERIC NOT NULL DEFAULT 0,
	premium_fraction    NUMERIC NOT NULL DEFAULT 0,
	last_mark_price     NUMERIC NOT NULL DEFAULT 0,
	last_index_price    NUMERIC NOT NULL DEFAULT 0,
	last_funding_time   TIMESTAMPTZ NOT NULL,
	insurance_fund      NUMERIC NOT NULL DEFAULT 0,
	fee_pool            NUMERIC NOT NULL DEFAULT 0,
	funding_pool        NUMERIC NOT NULL DEFAULT 0,
	bad_debt            NUMERIC NOT NULL DEFAULT 0,
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS perp_accounts (
	market          TEXT NOT NULL REFERENCES perp_markets(symbol),
	account         TEXT NOT NULL,
	collateral      NUMERIC NOT NULL,
	reserved_margin NUMERIC NOT NULL,
	debt            NUMERIC NOT NULL DEFAULT 0,
	updated_at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (market, account)
);

CREATE TABLE IF NOT EXISTS perp_positions (
	id                       UUID PRIMARY KEY,
	market                   TEXT NOT NULL REFERENCES perp_markets(symbol),
	account                  TEXT NOT NULL,
	size                     NUMERIC NOT NULL,
	is_long                  BOOLEAN NOT NULL,
	entry_price              NUMERIC NOT NULL,
	open_notional            NUMERIC NOT NULL,
	entry_funding_index      NUMERIC NOT NULL,
	entry_cumulative_funding NUMERIC NOT NULL,
	margin                   NUMERIC NOT NULL,
	reserved_margin          NUMERIC NOT NULL,
	realized_pnl             NUMERIC NOT NULL,
	funding_paid             NUMERIC NOT NULL,
	status                   TEXT NOT NULL,
	is_active                BOOLEAN NOT NULL,
	opened_at                TIMESTAMPTZ NOT NULL,
	last_interaction_time    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS perp_positions_market_account ON perp_positions (market, account);

CREATE TABLE IF NOT EXISTS perp_events (
	market      TEXT NOT NULL,
	seq         BIGINT NOT NULL,
	id          UUID NOT NULL,
	type        TEXT NOT NULL,
	account     TEXT NOT NULL DEFAULT '',
	position_id TEXT NOT NULL DEFAULT '',
	data        JSONB,
	time        TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (market, seq)
);
`

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// SaveChanges writes one commit in a single transaction so a restore never
// sees half of a call.
func (s *PostgresStore) SaveChanges(ctx context.Context, c model.Changes) error {
	params, err := json.Marshal(c.Market.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}

	b := &pgx.Batch{}
	m, f, v := c.Market, c.Funding, c.Vault
	b.Queue(
		`INSERT INTO perp_markets (symbol, base_reserve, quote_reserve, k, params, paused,
		        open_interest_long, open_interest_short,
		        funding_rate, funding_index, funding_cumulative, premium_fraction,
		        last_mark_price, last_index_price, last_funding_time,
		        insurance_fund, fee_pool, funding_pool, bad_debt, created_at, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5, $6, $7::NUMERIC, $8::NUMERIC,
		         $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13::NUMERIC, $14::NUMERIC, $15,
		         $16::NUMERIC, $17::NUMERIC, $18::NUMERIC, $19::NUMERIC, $20, $21)
		 ON CONFLICT (symbol) DO UPDATE SET
		        base_reserve = EXCLUDED.base_reserve, quote_reserve = EXCLUDED.quote_reserve,
		        k = EXCLUDED.k, params = EXCLUDED.params, paused = EXCLUDED.paused,
		        open_interest_long = EXCLUDED.open_interest_long,
		        open_interest_short = EXCLUDED.open_interest_short,
		        funding_rate = EXCLUDED.funding_rate, funding_index = EXCLUDED.funding_index,
		        funding_cumulative = EXCLUDED.funding_cumulative,
		        premium_fraction = EXCLUDED.premium_fraction,
		        last_mark_price = EXCLUDED.last_mark_price, last_index_price = EXCLUDED.last_index_price,
		        last_funding_time = EXCLUDED.last_funding_time,
		        insurance_fund = EXCLUDED.insurance_fund, fee_pool = EXCLUDED.fee_pool,
		        funding_pool = EXCLUDED.funding_pool, bad_debt = EXCLUDED.bad_debt,
		        updated_at = EXCLUDED.updated_at`,
		m.Symbol, m.BaseReserve.String(), m.QuoteReserve.String(), m.K.String(), params, m.Paused,
		m.OpenInterestLong.String(), m.OpenInterestShort.String(),
		f.Rate.String(), f.Index.String(), f.Cumulative.String(), f.PremiumFraction.String(),
		f.LastMarkPrice.String(), f.LastIndexPrice.String(), f.LastFundingTime,
		v.InsuranceFund.String(), v.FeePool.String(), v.FundingPool.String(), v.BadDebt.String(),
		m.CreatedAt, m.UpdatedAt,
	)

	for _, a := range c.Accounts {
		b.Queue(
			`INSERT INTO perp_accounts (market, account, collateral, reserved_margin, debt, updated_at)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6)
			 ON CONFLICT (market, account) DO UPDATE SET
			        collateral = EXCLUDED.collateral, reserved_margin = EXCLUDED.reserved_margin,
			        debt = EXCLUDED.debt, updated_at = EXCLUDED.updated_at`,
			m.Symbol, a.Account, a.Collateral.String(), a.ReservedMargin.String(), a.Debt.String(), a.UpdatedAt,
		)
	}

	for _, p := range c.Positions {
		b.Queue(
			`INSERT INTO perp_positions (id, market, account, size, is_long, entry_price, open_notional,
			        entry_funding_index, entry_cumulative_funding, margin, reserved_margin,
			        realized_pnl, funding_paid, status, is_active, opened_at, last_interaction_time)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC,
			         $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13::NUMERIC, $14, $15, $16, $17)
			 ON CONFLICT (id) DO UPDATE SET
			        size = EXCLUDED.size, entry_price = EXCLUDED.entry_price,
			        open_notional = EXCLUDED.open_notional,
			        entry_funding_index = EXCLUDED.entry_funding_index,
			        entry_cumulative_funding = EXCLUDED.entry_cumulative_funding,
			        margin = EXCLUDED.margin, reserved_margin = EXCLUDED.reserved_margin,
			        realized_pnl = EXCLUDED.realized_pnl, funding_paid = EXCLUDED.funding_paid,
			        status = EXCLUDED.status, is_active = EXCLUDED.is_active,
			        last_interaction_time = EXCLUDED.last_interaction_time`,
			p.ID, m.Symbol, p.Account, p.Size.String(), p.IsLong, p.EntryPrice.String(), p.OpenNotional.String(),
			p.EntryFundingIndex.String(), p.EntryCumulativeFunding.String(), p.Margin.String(), p.ReservedMargin.String(),
			p.RealizedPnL.String(), p.FundingPaid.String(), string(p.Status), p.IsActive, p.OpenedAt, p.LastInteractionTime,
		)
	}

	for _, ev := range c.Events {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("marshal event %d: %w", ev.Seq, err)
		}
		b.Queue(
			`INSERT INTO perp_events (market, seq, id, type, account, position_id, data, time)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			ev.Market, ev.Seq, ev.ID, string(ev.Type), ev.Account, ev.PositionID, data, ev.Time,
		)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	br := tx.SendBatch(ctx, b)
	for i := 0; i < b.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("save changes for %s: %w", m.Symbol, err)
		}
	}
	if err := br.Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) LoadState(ctx context.Context, symbol string) (*model.State, error) {
	var st model.State
	var params []byte
	var n nums
	var baseS, quoteS, kS, oiLongS, oiShortS string
	var rateS, indexS, cumS, premS, lastMarkS, lastIndexS string
	var insS, feeS, fundS, debtS string

	m := &st.Market
	err := s.pool.QueryRow(ctx,
		`SELECT symbol, base_reserve::TEXT, quote_reserve::TEXT, k::TEXT, params, paused,
		        open_interest_long::TEXT, open_interest_short::TEXT,
		        funding_rate::TEXT, funding_index::TEXT, funding_cumulative::TEXT, premium_fraction::TEXT,
		        last_mark_price::TEXT, last_index_price::TEXT, last_funding_time,
		        insurance_fund::TEXT, fee_pool::TEXT, funding_pool::TEXT, bad_debt::TEXT,
		        created_at, updated_at
		 FROM perp_markets WHERE symbol = $1`, symbol).
		Scan(&m.Symbol, &baseS, &quoteS, &kS, &params, &m.Paused,
			&oiLongS, &oiShortS,
			&rateS, &indexS, &cumS, &premS,
			&lastMarkS, &lastIndexS, &st.Funding.LastFundingTime,
			&insS, &feeS, &fundS, &debtS,
			&m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load market %s: %w", symbol, err)
	}
	if err := json.Unmarshal(params, &m.Params); err != nil {
		return nil, fmt.Errorf("decode params of %s: %w", symbol, err)
	}

	m.BaseReserve, m.QuoteReserve, m.K = n.parse(baseS), n.parse(quoteS), n.parse(kS)
	m.OpenInterestLong, m.OpenInterestShort = n.parse(oiLongS), n.parse(oiShortS)
	st.Funding.Rate = n.parse(rateS)
	st.Funding.Index = n.parse(indexS)
	st.Funding.Cumulative = n.parse(cumS)
	st.Funding.PremiumFraction = n.parse(premS)
	st.Funding.LastMarkPrice = n.parse(lastMarkS)
	st.Funding.LastIndexPrice = n.parse(lastIndexS)
	st.Vault = model.Vault{
		InsuranceFund: n.parse(insS),
		FeePool:       n.parse(feeS),
		FundingPool:   n.parse(fundS),
		BadDebt:       n.parse(debtS),
	}
	if n.err != nil {
		return nil, fmt.Errorf("load market %s: %w", symbol, n.err)
	}

	if st.Accounts, err = s.loadAccounts(ctx, symbol); err != nil {
		return nil, err
	}
	if st.Positions, err = s.loadPositions(ctx, symbol); err != nil {
		return nil, err
	}
	if err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM perp_events WHERE market = $1`, symbol).
		Scan(&st.EventSeq); err != nil {
		return nil, fmt.Errorf("load event seq of %s: %w", symbol, err)
	}
	return &st, nil
}

func (s *PostgresStore) loadAccounts(ctx context.Context, symbol string) ([]model.MarginAccount, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT account, collateral::TEXT, reserved_margin::TEXT, debt::TEXT, updated_at
		 FROM perp_accounts WHERE market = $1 ORDER BY account`, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := []model.MarginAccount{}
	for rows.Next() {
		var a model.MarginAccount
		var n nums
		var collS, resS, debtS string
		if err := rows.Scan(&a.Account, &collS, &resS, &debtS, &a.UpdatedAt); err != nil {
			return nil, err
		}
		a.Collateral, a.ReservedMargin, a.Debt = n.parse(collS), n.parse(resS), n.parse(debtS)
		a.UnrealizedPnL = decimal.Zero
		if n.err != nil {
			return nil, fmt.Errorf("account %s: %w", a.Account, n.err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *PostgresStore) loadPositions(ctx context.Context, symbol string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account, size::TEXT, is_long, entry_price::TEXT, open_notional::TEXT,
		        entry_funding_index::TEXT, entry_cumulative_funding::TEXT, margin::TEXT,
		        reserved_margin::TEXT, realized_pnl::TEXT, funding_paid::TEXT,
		        status, is_active, opened_at, last_interaction_time
		 FROM perp_positions WHERE market = $1 ORDER BY opened_at, id`, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	positions := []model.Position{}
	for rows.Next() {
		var p model.Position
		var n nums
		var sizeS, entryS, notionalS, fidxS, fcumS, marginS, resS, pnlS, paidS, status string
		if err := rows.Scan(&p.ID, &p.Account, &sizeS, &p.IsLong, &entryS, &notionalS,
			&fidxS, &fcumS, &marginS, &resS, &pnlS, &paidS,
			&status, &p.IsActive, &p.OpenedAt, &p.LastInteractionTime); err != nil {
			return nil, err
		}
		p.Size, p.EntryPrice, p.OpenNotional = n.parse(sizeS), n.parse(entryS), n.parse(notionalS)
		p.EntryFundingIndex, p.EntryCumulativeFunding = n.parse(fidxS), n.parse(fcumS)
		p.Margin, p.ReservedMargin = n.parse(marginS), n.parse(resS)
		p.RealizedPnL, p.FundingPaid = n.parse(pnlS), n.parse(paidS)
		p.Status = model.PositionStatus(status)
		if n.err != nil {
			return nil, fmt.Errorf("position %s: %w", p.ID, n.err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) ListEvents(ctx context.Context, symbol string, afterSeq int64, limit int) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT market, seq, id, type, account, position_id, data, time
		 FROM perp_events WHERE market = $1 AND seq > $2
		 ORDER BY seq LIMIT $3`, symbol, afterSeq, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []model.Event{}
	for rows.Next() {
		var ev model.Event
		var typ string
		var data []byte
		if err := rows.Scan(&ev.Market, &ev.Seq, &ev.ID, &typ, &ev.Account, &ev.PositionID, &data, &ev.Time); err != nil {
			return nil, err
		}
		ev.Type = model.EventType(typ)
		if len(data) > 0 {
			if err := json.Unmarshal(data, &ev.Data); err != nil {
				return nil, fmt.Errorf("decode event %d: %w", ev.Seq, err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// nums parses NUMERIC text columns, keeping the first error.
type nums struct {
	err error
}

func (n *nums) parse(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil && n.err == nil {
		n.err = err
	}
	return v
}
