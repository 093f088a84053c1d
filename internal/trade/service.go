// Package trade provides the HTTP handlers for trading, collateral,
// liquidation and market administration across a set of perpetual
// markets.
//
// All monetary values use shopspring/decimal, never float64 for money.
// Decimals are encoded as JSON strings.
package trade

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/store"
)

// Service exposes a set of market engines over HTTP. Each engine
// serializes its own mutations, so handlers hold no locks.
type Service struct {
	store      store.Store
	markets    map[string]*market.Engine
	symbols    []string
	feeds      map[string]*oracle.StaticFeed
	adminToken string
	logger     *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithStaticFeeds registers the settable oracle feeds the admin oracle
// route may update, keyed by market symbol.
func WithStaticFeeds(feeds map[string]*oracle.StaticFeed) Option {
	return func(s *Service) { s.feeds = feeds }
}

// WithAdminToken enables the admin routes behind a bearer token.
func WithAdminToken(token string) Option {
	return func(s *Service) { s.adminToken = token }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a service over engines. st serves the event log.
func NewService(st store.Store, engines []*market.Engine, opts ...Option) *Service {
	s := &Service{
		store:   st,
		markets: make(map[string]*market.Engine, len(engines)),
		feeds:   map[string]*oracle.StaticFeed{},
		logger:  slog.Default(),
	}
	for _, e := range engines {
		s.markets[e.Symbol()] = e
		s.symbols = append(s.symbols, e.Symbol())
	}
	sort.Strings(s.symbols)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes registers the API on r, normally mounted at /api/v1.
func (s *Service) Routes(r chi.Router) {
	r.Get("/markets", s.ListMarkets)
	r.Route("/markets/{symbol}", func(r chi.Router) {
		r.Get("/", s.GetMarket)
		r.Get("/price", s.GetPrice)
		r.Get("/funding", s.GetFunding)
		r.Post("/funding", s.UpdateFunding)
		r.Get("/impact", s.GetPriceImpact)
		r.Get("/events", s.ListEvents)

		r.Post("/positions", s.OpenPosition)
		r.Get("/positions/{positionID}", s.GetPosition)
		r.Post("/positions/{positionID}/add", s.AddToPosition)
		r.Post("/positions/{positionID}/close", s.ClosePosition)
		r.Post("/positions/{positionID}/liquidate", s.Liquidate)

		r.Get("/accounts/{account}", s.GetAccount)
		r.Post("/accounts/{account}/deposit", s.Deposit)
		r.Post("/accounts/{account}/withdraw", s.Withdraw)
		r.Get("/accounts/{account}/liquidatable", s.GetLiquidatable)
	})
	r.Get("/portfolio/{account}", s.GetPortfolio)

	r.Route("/admin/markets/{symbol}", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Post("/pause", s.Pause)
		r.Post("/unpause", s.Unpause)
		r.Put("/params", s.SetParams)
		r.Post("/oracle", s.SetOraclePrice)
	})
}

// --- Request/Response types ---

// OpenRequest is the JSON body for opening a position.
type OpenRequest struct {
	Account    string          `json:"account"`
	Side       string          `json:"side"` // "long" or "short"
	Collateral decimal.Decimal `json:"collateral"`
	Leverage   decimal.Decimal `json:"leverage"`
	MinPrice   decimal.Decimal `json:"min_price"` // 0 = no bound
	MaxPrice   decimal.Decimal `json:"max_price"` // 0 = no bound
}

// AddRequest is the JSON body for adding to a position.
type AddRequest struct {
	Account    string          `json:"account"`
	Collateral decimal.Decimal `json:"collateral"`
	Leverage   decimal.Decimal `json:"leverage"`
	MinPrice   decimal.Decimal `json:"min_price"`
	MaxPrice   decimal.Decimal `json:"max_price"`
}

// CloseRequest is the JSON body for closing a position.
type CloseRequest struct {
	Account  string          `json:"account"`
	Size     decimal.Decimal `json:"size"`
	MinPrice decimal.Decimal `json:"min_price"`
	MaxPrice decimal.Decimal `json:"max_price"`
}

// LiquidateRequest is the JSON body for liquidating a position.
type LiquidateRequest struct {
	Liquidator string `json:"liquidator"`
	Account    string `json:"account"`
}

// AmountRequest is the JSON body for deposits and withdrawals.
type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// OracleRequest is the JSON body for setting a static index price.
type OracleRequest struct {
	Price decimal.Decimal `json:"price"`
}

// MarketView is the market read model.
type MarketView struct {
	Market    model.Market       `json:"market"`
	Funding   model.FundingState `json:"funding"`
	Vault     model.Vault        `json:"vault"`
	MarkPrice decimal.Decimal    `json:"mark_price"`
}

// PriceView carries the mark and the index price. Index fields are empty
// when the oracle cannot be read.
type PriceView struct {
	Symbol     string           `json:"symbol"`
	MarkPrice  decimal.Decimal  `json:"mark_price"`
	IndexPrice *decimal.Decimal `json:"index_price,omitempty"`
	IndexTime  *time.Time       `json:"index_time,omitempty"`
	IndexError string           `json:"index_error,omitempty"`
}

// FundingView is the funding state with the earliest next update.
type FundingView struct {
	model.FundingState
	NextFundingTime time.Time `json:"next_funding_time"`
	Updated         *bool     `json:"updated,omitempty"`
}

// PositionView is a position with its unrealized PnL at the mark.
type PositionView struct {
	model.Position
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// TradeResponse is returned by open, add and close.
type TradeResponse struct {
	Position    PositionView     `json:"position"`
	Size        *decimal.Decimal `json:"size,omitempty"`         // add: new absolute size
	RealizedPnL *decimal.Decimal `json:"realized_pnl,omitempty"` // close: net of fee
}

// AccountView is one account's standing in one market.
type AccountView struct {
	Margin    model.MarginAccount `json:"margin"`
	Summary   model.UserSummary   `json:"summary"`
	Positions []model.Position    `json:"positions"`
}

// Portfolio aggregates an account across every market.
type Portfolio struct {
	Account            string                 `json:"account"`
	Markets            map[string]AccountView `json:"markets"`
	TotalCollateral    decimal.Decimal        `json:"total_collateral"`
	TotalUnrealizedPnL decimal.Decimal        `json:"total_unrealized_pnl"`
	TotalRealizedPnL   decimal.Decimal        `json:"total_realized_pnl"`
}

// --- Market reads ---

// ListMarkets handles GET /api/v1/markets
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	out := make([]MarketView, 0, len(s.symbols))
	for _, sym := range s.symbols {
		out = append(out, s.view(s.markets[sym]))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetMarket handles GET /api/v1/markets/{symbol}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.view(e))
}

func (s *Service) view(e *market.Engine) MarketView {
	// A live pool always has positive reserves.
	mark, _ := e.MarkPrice()
	return MarketView{
		Market:    e.Market(),
		Funding:   e.FundingState(),
		Vault:     e.Vault(),
		MarkPrice: mark,
	}
}

// GetPrice handles GET /api/v1/markets/{symbol}/price
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	mark, err := e.MarkPrice()
	if err != nil {
		s.fail(w, "price", err)
		return
	}
	resp := PriceView{Symbol: e.Symbol(), MarkPrice: mark}
	if reading, err := e.IndexPrice(r.Context()); err != nil {
		resp.IndexError = err.Error()
	} else {
		resp.IndexPrice = &reading.Price
		resp.IndexTime = &reading.Timestamp
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetFunding handles GET /api/v1/markets/{symbol}/funding
func (s *Service) GetFunding(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, fundingView(e, nil))
}

// UpdateFunding handles POST /api/v1/markets/{symbol}/funding
// Anyone may trigger the update once an interval has elapsed.
func (s *Service) UpdateFunding(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	updated, err := e.UpdateFunding(r.Context())
	if err != nil {
		s.fail(w, "funding", err)
		return
	}
	writeJSON(w, http.StatusOK, fundingView(e, &updated))
}

func fundingView(e *market.Engine, updated *bool) FundingView {
	fs := e.FundingState()
	return FundingView{
		FundingState:    fs,
		NextFundingTime: fs.LastFundingTime.Add(e.FundingInterval()),
		Updated:         updated,
	}
}

// GetPriceImpact handles GET /api/v1/markets/{symbol}/impact?size=&side=
func (s *Service) GetPriceImpact(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	size, err := decimal.NewFromString(r.URL.Query().Get("size"))
	if err != nil {
		writeError(w, "size must be a decimal", http.StatusBadRequest)
		return
	}
	isLong, err := parseSide(r.URL.Query().Get("side"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	impact, err := e.PriceImpact(size, isLong)
	if err != nil {
		s.fail(w, "impact", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"impact": impact})
}

// ListEvents handles GET /api/v1/markets/{symbol}/events?after=&limit=
// Returns committed events with a sequence above after, oldest first.
func (s *Service) ListEvents(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	var after int64
	if v := q.Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, "after must be a non-negative integer", http.StatusBadRequest)
			return
		}
		after = n
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	events, err := s.store.ListEvents(r.Context(), e.Symbol(), after, limit)
	if err != nil {
		writeError(w, "failed to list events", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Trading ---

// OpenPosition handles POST /api/v1/markets/{symbol}/positions
func (s *Service) OpenPosition(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	var req OpenRequest
	if !decode(w, r, &req) {
		return
	}
	isLong, err := parseSide(req.Side)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	start := time.Now()
	id, err := e.OpenPosition(r.Context(), market.OpenOrder{
		Account:    req.Account,
		Collateral: req.Collateral,
		IsLong:     isLong,
		Leverage:   req.Leverage,
		MinPrice:   req.MinPrice,
		MaxPrice:   req.MaxPrice,
	})
	metrics.ObserveTrade("open", start)
	if err != nil {
		s.fail(w, "open", err)
		return
	}
	s.writeTrade(w, e, id, TradeResponse{})
}

// AddToPosition handles POST /api/v1/markets/{symbol}/positions/{positionID}/add
func (s *Service) AddToPosition(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	id, ok := positionID(w, r)
	if !ok {
		return
	}
	var req AddRequest
	if !decode(w, r, &req) {
		return
	}

	start := time.Now()
	size, err := e.AddToPosition(r.Context(), market.AddOrder{
		Account:    req.Account,
		PositionID: id,
		Collateral: req.Collateral,
		Leverage:   req.Leverage,
		MinPrice:   req.MinPrice,
		MaxPrice:   req.MaxPrice,
	})
	metrics.ObserveTrade("add", start)
	if err != nil {
		s.fail(w, "add", err)
		return
	}
	s.writeTrade(w, e, id, TradeResponse{Size: &size})
}

// ClosePosition handles POST /api/v1/markets/{symbol}/positions/{positionID}/close
func (s *Service) ClosePosition(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	id, ok := positionID(w, r)
	if !ok {
		return
	}
	var req CloseRequest
	if !decode(w, r, &req) {
		return
	}

	start := time.Now()
	pnl, err := e.ClosePosition(r.Context(), market.CloseOrder{
		Account:    req.Account,
		PositionID: id,
		Size:       req.Size,
		MinPrice:   req.MinPrice,
		MaxPrice:   req.MaxPrice,
	})
	metrics.ObserveTrade("close", start)
	if err != nil {
		s.fail(w, "close", err)
		return
	}
	s.writeTrade(w, e, id, TradeResponse{RealizedPnL: &pnl})
}

func (s *Service) writeTrade(w http.ResponseWriter, e *market.Engine, id uuid.UUID, resp TradeResponse) {
	pv, err := positionView(e, id)
	if err != nil {
		s.fail(w, "position", err)
		return
	}
	resp.Position = pv
	writeJSON(w, http.StatusOK, resp)
}

// GetPosition handles GET /api/v1/markets/{symbol}/positions/{positionID}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	id, ok := positionID(w, r)
	if !ok {
		return
	}
	pv, err := positionView(e, id)
	if err != nil {
		s.fail(w, "position", err)
		return
	}
	writeJSON(w, http.StatusOK, pv)
}

func positionView(e *market.Engine, id uuid.UUID) (PositionView, error) {
	p, err := e.Position(id)
	if err != nil {
		return PositionView{}, err
	}
	pv := PositionView{Position: p, UnrealizedPnL: decimal.Zero}
	if p.IsActive {
		if pv.UnrealizedPnL, err = e.UnrealizedPnL(id); err != nil {
			return PositionView{}, err
		}
	}
	return pv, nil
}

// --- Collateral and liquidation ---

// GetAccount handles GET /api/v1/markets/{symbol}/accounts/{account}
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	view, err := accountView(r, e, chi.URLParam(r, "account"))
	if err != nil {
		s.fail(w, "account", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func accountView(r *http.Request, e *market.Engine, account string) (AccountView, error) {
	margin, err := e.MarginAccount(r.Context(), account)
	if err != nil {
		return AccountView{}, err
	}
	summary, err := e.UserSummary(account)
	if err != nil {
		return AccountView{}, err
	}
	positions := e.UserPositions(account)
	if positions == nil {
		positions = []model.Position{}
	}
	return AccountView{Margin: margin, Summary: summary, Positions: positions}, nil
}

// Deposit handles POST /api/v1/markets/{symbol}/accounts/{account}/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	s.moveCollateral(w, r, "deposit", (*market.Engine).DepositCollateral)
}

// Withdraw handles POST /api/v1/markets/{symbol}/accounts/{account}/withdraw
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	s.moveCollateral(w, r, "withdraw", (*market.Engine).WithdrawCollateral)
}

type collateralFunc func(*market.Engine, context.Context, string, decimal.Decimal) error

func (s *Service) moveCollateral(w http.ResponseWriter, r *http.Request, op string, fn collateralFunc) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	account := chi.URLParam(r, "account")
	if err := fn(e, r.Context(), account, req.Amount); err != nil {
		s.fail(w, op, err)
		return
	}
	margin, err := e.MarginAccount(r.Context(), account)
	if err != nil {
		s.fail(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, margin)
}

// GetLiquidatable handles GET /api/v1/markets/{symbol}/accounts/{account}/liquidatable
// An optional ?ratio_bp= checks against a custom maintenance ratio.
func (s *Service) GetLiquidatable(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	account := chi.URLParam(r, "account")

	var (
		liquidatable bool
		err          error
	)
	if v := r.URL.Query().Get("ratio_bp"); v != "" {
		ratio, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			writeError(w, "ratio_bp must be an integer", http.StatusBadRequest)
			return
		}
		liquidatable, err = e.CanLiquidateAt(r.Context(), account, ratio)
	} else {
		liquidatable, err = e.CanLiquidate(r.Context(), account)
	}
	if err != nil {
		s.fail(w, "liquidatable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"liquidatable": liquidatable})
}

// Liquidate handles POST /api/v1/markets/{symbol}/positions/{positionID}/liquidate
func (s *Service) Liquidate(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	id, ok := positionID(w, r)
	if !ok {
		return
	}
	var req LiquidateRequest
	if !decode(w, r, &req) {
		return
	}

	start := time.Now()
	liq, err := e.Liquidate(r.Context(), req.Liquidator, req.Account, id)
	metrics.ObserveTrade("liquidate", start)
	if err != nil {
		s.fail(w, "liquidate", err)
		return
	}
	writeJSON(w, http.StatusOK, liq)
}

// GetPortfolio handles GET /api/v1/portfolio/{account}
// Returns the account's standing in every market it has touched.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	p := Portfolio{
		Account:            account,
		Markets:            map[string]AccountView{},
		TotalCollateral:    decimal.Zero,
		TotalUnrealizedPnL: decimal.Zero,
		TotalRealizedPnL:   decimal.Zero,
	}
	for _, sym := range s.symbols {
		view, err := accountView(r, s.markets[sym], account)
		if errors.Is(err, market.ErrAccountNotFound) {
			continue
		}
		if err != nil {
			s.fail(w, "portfolio", err)
			return
		}
		p.Markets[sym] = view
		p.TotalCollateral = p.TotalCollateral.Add(view.Margin.Collateral)
		p.TotalUnrealizedPnL = p.TotalUnrealizedPnL.Add(view.Margin.UnrealizedPnL)
		for _, pos := range view.Positions {
			p.TotalRealizedPnL = p.TotalRealizedPnL.Add(pos.RealizedPnL)
		}
	}
	writeJSON(w, http.StatusOK, p)
}

// --- Admin ---

func (s *Service) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			writeError(w, "admin routes are disabled", http.StatusForbidden)
			return
		}
		token, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !found || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			writeError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Pause handles POST /api/v1/admin/markets/{symbol}/pause
func (s *Service) Pause(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	if err := e.Pause(r.Context()); err != nil {
		s.fail(w, "pause", err)
		return
	}
	s.logger.Info("market paused", "market", e.Symbol())
	writeJSON(w, http.StatusOK, s.view(e))
}

// Unpause handles POST /api/v1/admin/markets/{symbol}/unpause
func (s *Service) Unpause(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	if err := e.Unpause(r.Context()); err != nil {
		s.fail(w, "unpause", err)
		return
	}
	s.logger.Info("market unpaused", "market", e.Symbol())
	writeJSON(w, http.StatusOK, s.view(e))
}

// SetParams handles PUT /api/v1/admin/markets/{symbol}/params
// The body is a complete parameter set.
func (s *Service) SetParams(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	var p model.MarketParams
	if !decode(w, r, &p) {
		return
	}
	if err := e.SetParams(r.Context(), p); err != nil {
		s.fail(w, "params", err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(e))
}

// SetOraclePrice handles POST /api/v1/admin/markets/{symbol}/oracle
// Only markets on a static feed accept a price.
func (s *Service) SetOraclePrice(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	feed, ok := s.feeds[e.Symbol()]
	if !ok {
		writeError(w, "market oracle is not settable", http.StatusConflict)
		return
	}
	var req OracleRequest
	if !decode(w, r, &req) {
		return
	}
	if !req.Price.IsPositive() {
		writeError(w, "price must be positive", http.StatusBadRequest)
		return
	}
	feed.Set(req.Price, time.Now())
	s.logger.Info("index price set", "market", e.Symbol(), "price", req.Price.String())

	reading, err := e.IndexPrice(r.Context())
	if err != nil {
		s.fail(w, "oracle", err)
		return
	}
	writeJSON(w, http.StatusOK, reading)
}

// --- Helpers ---

func (s *Service) engine(w http.ResponseWriter, r *http.Request) (*market.Engine, bool) {
	sym := chi.URLParam(r, "symbol")
	e, ok := s.markets[sym]
	if !ok {
		writeError(w, "market not found: "+sym, http.StatusNotFound)
	}
	return e, ok
}

func positionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "positionID"))
	if err != nil {
		writeError(w, "invalid position id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func parseSide(side string) (bool, error) {
	switch strings.ToLower(side) {
	case "long":
		return true, nil
	case "short":
		return false, nil
	}
	return false, errors.New("side must be long or short")
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// StatusFor maps an engine error onto an HTTP status.
func StatusFor(kind market.Kind) int {
	switch kind {
	case market.KindValidation:
		return http.StatusBadRequest
	case market.KindMarketState, market.KindLiquidationRace:
		return http.StatusConflict
	case market.KindEconomic:
		return http.StatusUnprocessableEntity
	case market.KindNotFound:
		return http.StatusNotFound
	case market.KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// fail writes a classified engine error and counts the rejection.
func (s *Service) fail(w http.ResponseWriter, op string, err error) {
	kind := market.Classify(err)
	metrics.Rejections.WithLabelValues(op, kind.String()).Inc()
	status := StatusFor(kind)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "op", op, "err", err)
	} else {
		s.logger.Debug("request rejected", "op", op, "kind", kind.String(), "err", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error(), "kind": kind.String()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
