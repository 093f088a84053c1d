package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestListener_OnCommit(t *testing.T) {
	c := model.Changes{
		Market: model.Market{
			Symbol:           "METRICS-USD-PERP",
			BaseReserve:      d(1000),
			QuoteReserve:     d(50_000_000),
			OpenInterestLong: d(2),
		},
		Funding: model.FundingState{Rate: d(0.001), LastIndexPrice: d(49_900)},
		Vault:   model.Vault{InsuranceFund: d(12.5)},
		Events: []model.Event{
			{Type: model.EventPositionLiquidated},
			{Type: model.EventFeesCollected},
		},
	}
	Listener{}.OnCommit(context.Background(), c)

	if got := testutil.ToFloat64(MarkPrice.WithLabelValues("METRICS-USD-PERP")); got != 50_000 {
		t.Errorf("expected mark 50000, got %v", got)
	}
	if got := testutil.ToFloat64(IndexPrice.WithLabelValues("METRICS-USD-PERP")); got != 49_900 {
		t.Errorf("expected index 49900, got %v", got)
	}
	if got := testutil.ToFloat64(Liquidations.WithLabelValues("METRICS-USD-PERP")); got != 1 {
		t.Errorf("expected 1 liquidation, got %v", got)
	}
	if got := testutil.ToFloat64(OpenInterest.WithLabelValues("METRICS-USD-PERP", "long")); got != 2 {
		t.Errorf("expected long OI 2, got %v", got)
	}
	if got := testutil.ToFloat64(VaultBalance.WithLabelValues("METRICS-USD-PERP", "insurance")); got != 12.5 {
		t.Errorf("expected insurance 12.5, got %v", got)
	}
	if got := testutil.ToFloat64(EventsTotal.WithLabelValues("METRICS-USD-PERP", string(model.EventFeesCollected))); got != 1 {
		t.Errorf("expected 1 fees event, got %v", got)
	}
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/api/v1/markets/{symbol}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	req := httptest.NewRequest("GET", "/api/v1/markets/BTC-USD-PERP", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)

	got := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/markets/{symbol}", "418"))
	if got != 1 {
		t.Errorf("expected 1 request on the route pattern, got %v", got)
	}
}
