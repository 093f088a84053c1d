// Package keeper runs the permissionless maintenance jobs of every market:
// funding updates and the liquidation sweep.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/model"
)

// TaskType names a scheduled job.
type TaskType string

const (
	TaskFunding     TaskType = "funding"
	TaskLiquidation TaskType = "liquidation"
)

// TaskStatus is the outcome of a job's last run.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Task is the bookkeeping of one scheduled job.
type Task struct {
	Type        TaskType   `json:"type"`
	Schedule    string     `json:"schedule"`
	LastRunTime time.Time  `json:"last_run_time"`
	Status      TaskStatus `json:"status"`
	Error       string     `json:"error,omitempty"`
}

// Market is what the keeper needs from an engine.
type Market interface {
	Symbol() string
	UpdateFunding(ctx context.Context) (bool, error)
	ActivePositions() []model.Position
	CanLiquidate(ctx context.Context, account string) (bool, error)
	Liquidate(ctx context.Context, liquidator, account string, positionID uuid.UUID) (market.Liquidation, error)
}

// Config holds cron schedules with a leading seconds field.
type Config struct {
	Account             string // liquidator account credited with rewards
	FundingSchedule     string
	LiquidationSchedule string
}

// DefaultConfig checks funding every minute and sweeps every ten seconds.
func DefaultConfig() Config {
	return Config{
		Account:             "keeper",
		FundingSchedule:     "0 * * * * *",
		LiquidationSchedule: "*/10 * * * * *",
	}
}

// Keeper schedules the jobs.
type Keeper struct {
	cron    *cron.Cron
	markets []Market
	account string
	logger  *slog.Logger

	mu    sync.RWMutex
	tasks map[TaskType]*Task
}

// New registers the jobs for markets. It does not start them.
func New(cfg Config, markets []Market, logger *slog.Logger) (*Keeper, error) {
	if cfg.Account == "" {
		return nil, errors.New("keeper: account is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	k := &Keeper{
		cron:    cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		markets: markets,
		account: cfg.Account,
		logger:  logger.With("component", "keeper"),
		tasks:   make(map[TaskType]*Task),
	}

	jobs := []struct {
		typ      TaskType
		schedule string
		run      func(ctx context.Context) error
	}{
		{TaskFunding, cfg.FundingSchedule, func(ctx context.Context) error {
			_, err := k.RunFunding(ctx)
			return err
		}},
		{TaskLiquidation, cfg.LiquidationSchedule, func(ctx context.Context) error {
			_, err := k.RunLiquidations(ctx)
			return err
		}},
	}
	for _, j := range jobs {
		task := &Task{Type: j.typ, Schedule: j.schedule, Status: TaskStatusPending}
		run := j.run
		if _, err := k.cron.AddFunc(j.schedule, func() { k.runTask(context.Background(), task, run) }); err != nil {
			return nil, fmt.Errorf("keeper: schedule %s %q: %w", j.typ, j.schedule, err)
		}
		k.tasks[j.typ] = task
	}
	return k, nil
}

// Start starts the scheduler.
func (k *Keeper) Start() {
	k.cron.Start()
}

// Stop stops the scheduler and returns a context done when running jobs
// finish.
func (k *Keeper) Stop() context.Context {
	return k.cron.Stop()
}

// Tasks returns a snapshot of every job.
func (k *Keeper) Tasks() []Task {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]Task, 0, len(k.tasks))
	for _, typ := range []TaskType{TaskFunding, TaskLiquidation} {
		if t, ok := k.tasks[typ]; ok {
			out = append(out, *t)
		}
	}
	return out
}

func (k *Keeper) runTask(ctx context.Context, task *Task, run func(context.Context) error) {
	k.mu.Lock()
	task.Status = TaskStatusRunning
	task.LastRunTime = time.Now()
	k.mu.Unlock()

	err := run(ctx)

	k.mu.Lock()
	defer k.mu.Unlock()
	if err != nil {
		task.Status = TaskStatusFailed
		task.Error = err.Error()
		return
	}
	task.Status = TaskStatusCompleted
	task.Error = ""
}

// RunFunding calls UpdateFunding on every market and returns how many
// advanced. Paused markets are skipped; other failures are joined.
func (k *Keeper) RunFunding(ctx context.Context) (int, error) {
	var updated int
	var errs []error
	for _, m := range k.markets {
		changed, err := m.UpdateFunding(ctx)
		switch {
		case errors.Is(err, market.ErrMarketPaused):
		case err != nil:
			k.logger.Warn("funding update failed", "market", m.Symbol(), "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", m.Symbol(), err))
		case changed:
			updated++
		}
	}
	return updated, errors.Join(errs...)
}

// RunLiquidations checks every active position and liquidates the
// unhealthy ones with the keeper's account as liquidator. A position that
// recovers between the check and the call is skipped.
func (k *Keeper) RunLiquidations(ctx context.Context) ([]market.Liquidation, error) {
	var done []market.Liquidation
	var errs []error
	for _, m := range k.markets {
		for _, p := range m.ActivePositions() {
			if p.Account == k.account {
				continue
			}
			ok, err := m.CanLiquidate(ctx, p.Account)
			if errors.Is(err, market.ErrStaleOracle) {
				// Every account of the market is affected.
				k.logger.Warn("liquidation sweep skipped market", "market", m.Symbol(), "err", err)
				break
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("%s/%s: %w", m.Symbol(), p.Account, err))
				continue
			}
			if !ok {
				continue
			}

			liq, err := m.Liquidate(ctx, k.account, p.Account, p.ID)
			switch {
			case err == nil:
				done = append(done, liq)
			case market.Classify(err) == market.KindLiquidationRace:
				k.logger.Debug("liquidation target recovered", "market", m.Symbol(), "account", p.Account)
			case errors.Is(err, market.ErrMarketPaused):
			default:
				k.logger.Warn("liquidation failed", "market", m.Symbol(), "account", p.Account, "err", err)
				errs = append(errs, fmt.Errorf("%s/%s: %w", m.Symbol(), p.Account, err))
			}
		}
	}
	if len(done) > 0 {
		k.logger.Info("liquidation sweep", "liquidated", len(done))
	}
	return done, errors.Join(errs...)
}
