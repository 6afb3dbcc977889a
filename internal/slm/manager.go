package slm

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/quantrail/slm/internal/broker"
	"github.com/quantrail/slm/internal/config"
)

// ManagerConfig is the resolved set of tunables Manager needs, translated
// from config.Config by NewManagerFromConfig.
type ManagerConfig struct {
	DefaultRisk           RiskParams
	SymbolRisk             map[string]RiskParams
	Executor               ExecutorConfig
	LockStaleAfter         time.Duration
	LockAcquireTimeout     time.Duration
	RateLimitPerSecond     int
	RateLimitEmergencyBypass bool
	RateLimitBackoff       time.Duration
	WorkerIterationBudget  time.Duration
	WorkerScanInterval     time.Duration
	WorkerShutdownTimeout  time.Duration
	FailSafeDebounce       time.Duration
	FailSafeSignatureTTL   time.Duration
	LogDirectoryRoot       string
	DisabledSymbols        []string
	ManualContractSizes    map[string]float64
}

// Manager is the Unified Stop-Loss Manager: the public API surface spec.md
// §6 calls "Exposed", wiring together the corrector, arbiter, adjuster,
// executor, lock manager, rate limiter, worker loop and fail-safe auditor.
type Manager struct {
	cfg          ManagerConfig
	broker       broker.Broker
	corrector    *Corrector
	locks        *LockManager
	rateLimiter  *RateLimiter
	executor     *Executor
	verifyMetrics *VerificationMetricsCollector
	failsafe     *FailSafeAuditor
	events       *EventBus
	updateLogger *UpdateLogger
	worker       *workerLifecycle

	mu           sync.Mutex
	knownTickets map[uint64]struct{}

	disabledMu      sync.Mutex
	disabledSymbols map[string]struct{}

	timingMu sync.Mutex
	timing   TimingStats

	auxQueue chan auxTask
}

// NewManager wires every component together against br. diagnosticsWriter
// receives lock_diagnostics.jsonl lines (pass nil to discard them).
func NewManager(br broker.Broker, cfg ManagerConfig, diagnosticsWriter io.Writer) (*Manager, error) {
	verifyMetrics := NewVerificationMetricsCollector()
	rateLimiter := NewRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitEmergencyBypass, cfg.RateLimitBackoff)
	executor := NewExecutor(br, rateLimiter, cfg.Executor, verifyMetrics)

	updateLogger, err := NewUpdateLogger(cfg.LogDirectoryRoot, time.Now())
	if err != nil {
		return nil, fmt.Errorf("manager: %w", err)
	}

	corrector := NewCorrector()
	for symbol, size := range cfg.ManualContractSizes {
		corrector.SetManualOverride(symbol, size)
	}

	disabled := make(map[string]struct{}, len(cfg.DisabledSymbols))
	for _, s := range cfg.DisabledSymbols {
		disabled[s] = struct{}{}
	}

	return &Manager{
		cfg:             cfg,
		broker:          br,
		corrector:       corrector,
		locks:           NewLockManager(cfg.LockStaleAfter, diagnosticsWriter),
		rateLimiter:     rateLimiter,
		executor:        executor,
		verifyMetrics:   verifyMetrics,
		failsafe:        NewFailSafeAuditor(cfg.FailSafeDebounce, cfg.FailSafeSignatureTTL),
		events:          NewEventBus(),
		updateLogger:    updateLogger,
		worker:          &workerLifecycle{},
		knownTickets:    make(map[uint64]struct{}),
		disabledSymbols: disabled,
		auxQueue:        make(chan auxTask, auxQueueCapacity),
	}, nil
}

// isDisabled reports whether symbol is currently on the disabled-set (§7):
// a symbol the Calculator's sanity gate has rejected an SL candidate for,
// pending operator review.
func (mgr *Manager) isDisabled(symbol string) bool {
	mgr.disabledMu.Lock()
	defer mgr.disabledMu.Unlock()
	_, ok := mgr.disabledSymbols[symbol]
	return ok
}

// disableSymbol adds symbol to the disabled-set.
func (mgr *Manager) disableSymbol(symbol string) {
	mgr.disabledMu.Lock()
	defer mgr.disabledMu.Unlock()
	mgr.disabledSymbols[symbol] = struct{}{}
}

// EnableSymbol implements the exposed operator API for clearing a symbol
// from the disabled-set once the underlying metadata problem is resolved.
func (mgr *Manager) EnableSymbol(symbol string) {
	mgr.disabledMu.Lock()
	defer mgr.disabledMu.Unlock()
	delete(mgr.disabledSymbols, symbol)
}

// DisabledSymbols implements the exposed read-only view of the disabled-set.
func (mgr *Manager) DisabledSymbols() []string {
	mgr.disabledMu.Lock()
	defer mgr.disabledMu.Unlock()
	out := make([]string, 0, len(mgr.disabledSymbols))
	for s := range mgr.disabledSymbols {
		out = append(out, s)
	}
	return out
}

// Close flushes and closes the manager's log sinks. It does not stop the
// worker loop; call StopWorker first.
func (mgr *Manager) Close() error {
	return mgr.updateLogger.Close()
}

// Events returns the manager's event bus for subscribers.
func (mgr *Manager) Events() *EventBus {
	return mgr.events
}

func (mgr *Manager) riskFor(symbol string) RiskParams {
	if r, ok := mgr.cfg.SymbolRisk[symbol]; ok {
		return r
	}
	return mgr.cfg.DefaultRisk
}

// GetEffectiveSLProfit implements the exposed API of the same name: the USD
// profit/loss a position's current broker-side SL would realize.
func (mgr *Manager) GetEffectiveSLProfit(ctx context.Context, ticket uint64) (float64, error) {
	snap, err := mgr.buildSnapshot(ctx, ticket)
	if err != nil {
		return 0, err
	}
	if snap.Position.CurrentSL <= 0 {
		return 0, nil
	}
	return effectiveUSD(snap.Position, snap.Meta, snap.Position.CurrentSL), nil
}

// ComputeDecision exposes the Arbiter's decision for a ticket without
// applying it, used by diagnostics and tests.
func (mgr *Manager) ComputeDecision(ctx context.Context, ticket uint64) (Decision, error) {
	snap, err := mgr.buildSnapshot(ctx, ticket)
	if err != nil {
		return Decision{}, err
	}
	track := mgr.locks.GetTracking(ticket)
	risk := mgr.riskFor(snap.Position.Symbol)
	return ComputeAuthoritativeSL(snap, track, risk, time.Now())
}

// failSafeEnforceAttempts/failSafeEnforceInterval implement §4.11's active
// enforcement for a detected hard-cap breach: up to 3 attempts, 200ms
// apart, via the lock-free Emergency Strict-Loss path, before giving up and
// leaving the breach to the next sweep.
const failSafeEnforceAttempts = 3
const failSafeEnforceInterval = 200 * time.Millisecond

// FailSafeCheck runs the Violation Detector for ticket, reports any
// findings through the Fail-Safe Auditor, and actively enforces a detected
// hard-cap breach (§4.11) rather than merely logging it.
func (mgr *Manager) FailSafeCheck(ctx context.Context, ticket uint64) ([]Violation, error) {
	snap, err := mgr.buildSnapshot(ctx, ticket)
	if err != nil {
		return nil, err
	}
	track := mgr.locks.GetTracking(ticket)
	risk := mgr.riskFor(snap.Position.Symbol)
	violations := DetectViolations(snap, track, risk)

	breached := false
	for _, v := range violations {
		mgr.failsafe.Report(ticket, "fail-safe-check", fmt.Errorf("%s", v.Detail))
		mgr.events.Publish(Event{Name: EventViolationDetected, Ticket: ticket, Payload: v})
		if v.Kind == ViolationBeyondHardCap {
			breached = true
		}
	}

	if breached {
		mgr.enforceHardCap(ctx, ticket)
	}

	return violations, nil
}

// enforceHardCap retries the Emergency Strict-Loss path up to
// failSafeEnforceAttempts times, failSafeEnforceInterval apart, for a
// ticket the Violation Detector found beyond its hard loss cap. It stops
// early once an attempt both applies and verifies.
func (mgr *Manager) enforceHardCap(ctx context.Context, ticket uint64) {
	for attempt := 0; attempt < failSafeEnforceAttempts; attempt++ {
		outcome, err := mgr.EmergencyStrictLoss(ctx, ticket)
		if err == nil && outcome.Verified {
			return
		}
		if attempt < failSafeEnforceAttempts-1 {
			select {
			case <-time.After(failSafeEnforceInterval):
			case <-ctx.Done():
				return
			}
		}
	}
}

// RunFailSafeSweep implements the §4.11 periodic pass over every known
// ticket, checking and actively enforcing hard-cap breaches. It is invoked
// by the worker loop's bounded auxiliary queue (worker.go), never inline in
// the per-ticket scan itself.
func (mgr *Manager) RunFailSafeSweep(ctx context.Context) {
	mgr.mu.Lock()
	tickets := make([]uint64, 0, len(mgr.knownTickets))
	for t := range mgr.knownTickets {
		tickets = append(tickets, t)
	}
	mgr.mu.Unlock()

	for _, t := range tickets {
		if _, err := mgr.FailSafeCheck(ctx, t); err != nil {
			mgr.failsafe.Report(t, "fail-safe-sweep", err)
		}
	}
}

// CleanupClosedPosition implements the exposed API of the same name,
// discarding all tracking/lock state for a ticket that has closed.
func (mgr *Manager) CleanupClosedPosition(ticket uint64) {
	mgr.locks.Forget(ticket)
	mgr.mu.Lock()
	delete(mgr.knownTickets, ticket)
	mgr.mu.Unlock()
}

// GetVerificationMetrics implements the exposed API of the same name.
func (mgr *Manager) GetVerificationMetrics() VerificationMetrics {
	return mgr.verifyMetrics.Snapshot()
}

// ResetVerificationMetrics implements the exposed API of the same name.
func (mgr *Manager) ResetVerificationMetrics() {
	mgr.verifyMetrics.Reset()
}

// GetTimingStats implements the exposed API of the same name.
func (mgr *Manager) GetTimingStats() TimingStats {
	mgr.timingMu.Lock()
	defer mgr.timingMu.Unlock()
	return mgr.timing
}

func (mgr *Manager) recordIterationTiming(start time.Time) {
	d := time.Since(start)
	mgr.timingMu.Lock()
	defer mgr.timingMu.Unlock()
	mgr.timing.Iterations++
	mgr.timing.TotalDuration += d
	if d > mgr.timing.MaxDuration {
		mgr.timing.MaxDuration = d
	}
	if d > defaultGuaranteedBudget {
		mgr.timing.BudgetOverruns++
	}
}

// NewManagerFromConfig is the cmd/slmd entrypoint's constructor: it
// translates config.Config into a ManagerConfig and builds a Manager.
func NewManagerFromConfig(br broker.Broker, cfg *config.Config, diagnosticsWriter io.Writer) (*Manager, error) {
	defMaxRisk, defSweetMin, defSweetMax, defTrail := cfg.RiskFor("")
	symbolRisk := make(map[string]RiskParams, len(cfg.Risk.SymbolOverrides))
	for sym := range cfg.Risk.SymbolOverrides {
		maxRisk, sweetMin, sweetMax, trail := cfg.RiskFor(sym)
		symbolRisk[sym] = RiskParams{
			MaxRiskUSD:        maxRisk,
			SweetSpotMinUSD:   sweetMin,
			SweetSpotMaxUSD:   sweetMax,
			TrailIncrementUSD: trail,
			BreakEvenEnabled:  cfg.Risk.DynamicBreakEven.Enabled,
			BreakEvenDwell:    time.Duration(cfg.Risk.DynamicBreakEven.PositiveProfitDurationSec * float64(time.Second)),
		}
	}

	manualSizes := make(map[string]float64)
	for sym, o := range cfg.Risk.SymbolOverrides {
		if o.ContractSize != 0 {
			manualSizes[sym] = o.ContractSize
		}
	}

	mc := ManagerConfig{
		DefaultRisk: RiskParams{
			MaxRiskUSD:        defMaxRisk,
			SweetSpotMinUSD:   defSweetMin,
			SweetSpotMaxUSD:   defSweetMax,
			TrailIncrementUSD: defTrail,
			BreakEvenEnabled:  cfg.Risk.DynamicBreakEven.Enabled,
			BreakEvenDwell:    time.Duration(cfg.Risk.DynamicBreakEven.PositiveProfitDurationSec * float64(time.Second)),
		},
		SymbolRisk: symbolRisk,
		Executor: ExecutorConfig{
			VerifyPriceToleranceRatio: cfg.Execution.VerifyPriceToleranceRatio,
			MaxRetries:                cfg.Execution.MaxRetries,
			BaseBackoff:               cfg.Execution.BaseBackoff,
			MaxBackoff:                cfg.Execution.MaxBackoff,
			ProfitRelaxedToleranceUSD: cfg.Risk.ProfitTolerance,
		},
		LockStaleAfter:           cfg.Lock.StaleAfter,
		LockAcquireTimeout:       cfg.Lock.AcquireTimeout,
		RateLimitPerSecond:       cfg.RateLimit.MaxCallsPerSecond,
		RateLimitEmergencyBypass: cfg.RateLimit.EmergencyBypass,
		RateLimitBackoff:         cfg.RateLimit.BackoffOnSaturate,
		WorkerIterationBudget:    cfg.Worker.IterationBudget,
		WorkerScanInterval:       cfg.Worker.ScanInterval,
		WorkerShutdownTimeout:    cfg.Worker.ShutdownTimeout,
		FailSafeDebounce:         cfg.FailSafe.DebounceWindow,
		FailSafeSignatureTTL:     cfg.FailSafe.SignatureTTL,
		LogDirectoryRoot:         cfg.Logging.DirectoryRoot,
		DisabledSymbols:          cfg.Risk.DisabledSymbols,
		ManualContractSizes:      manualSizes,
	}

	return NewManager(br, mc, diagnosticsWriter)
}
