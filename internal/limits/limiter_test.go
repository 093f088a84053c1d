package limits

import (
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCheck_WithinLimits(t *testing.T) {
	limiter := NewLimiter(d(100000), d(50))

	if err := limiter.Check(d(99999), d(49)); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheck_PositionExceeded(t *testing.T) {
	limiter := NewLimiter(d(100000), d(50))

	err := limiter.Check(d(100001), d(1))
	if !errors.Is(err, ErrPositionLimitExceeded) {
		t.Fatalf("expected ErrPositionLimitExceeded, got %v", err)
	}
	if !strings.Contains(err.Error(), "cap 100000.00") {
		t.Errorf("expected the cap in the error, got %q", err)
	}
}

func TestCheck_OpenInterestExceeded(t *testing.T) {
	limiter := NewLimiter(d(100000), d(50))

	if err := limiter.Check(d(10), d(50.5)); !errors.Is(err, ErrOpenInterestExceeded) {
		t.Errorf("expected ErrOpenInterestExceeded, got %v", err)
	}
}

func TestCheck_ExactLimitAllowed(t *testing.T) {
	limiter := NewLimiter(d(100000), d(50))

	if err := limiter.Check(d(100000), d(50)); err != nil {
		t.Errorf("limit itself should be allowed, got %v", err)
	}
}

func TestCheck_ZeroMeansUnlimited(t *testing.T) {
	limiter := NewLimiter(decimal.Zero, d(-1))

	if err := limiter.Check(d(1e12), d(1e9)); err != nil {
		t.Errorf("expected no limits, got %v", err)
	}
	if !limiter.MaxOpenInterest.IsZero() {
		t.Errorf("negative cap should normalize to zero, got %s", limiter.MaxOpenInterest)
	}
}

func TestCheck_NilLimiter(t *testing.T) {
	var limiter *Limiter
	if err := limiter.Check(d(1e12), d(1e12)); err != nil {
		t.Errorf("nil limiter should allow everything, got %v", err)
	}
}
