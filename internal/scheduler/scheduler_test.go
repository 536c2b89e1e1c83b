package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stablefi/yieldagent/internal/domain"
	"github.com/stablefi/yieldagent/internal/engine"
	"github.com/stablefi/yieldagent/internal/execution"
	"github.com/stablefi/yieldagent/internal/oracle"
	"github.com/stablefi/yieldagent/internal/ratelimit"
)

func newTestEngine(logger *slog.Logger) *engine.Engine {
	return engine.New(engine.SponsoredCostModel{SlippageRate: 0.001, ExitBuffer: 0.001}, 0.005, logger)
}

const (
	asset  = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	vaultA = "0x1111111111111111111111111111111111111111"
	vaultB = "0x2222222222222222222222222222222222222222"
	alice  = "0xaaaa000000000000000000000000000000000001"
	bob    = "0xbbbb000000000000000000000000000000000002"
)

type fakePrefs struct{ registered []domain.UserPrefs }

func (f *fakePrefs) Upsert(context.Context, domain.UserPrefs) error { return nil }
func (f *fakePrefs) Get(context.Context, string) (domain.UserPrefs, error) {
	return domain.UserPrefs{}, domain.ErrNotFound
}
func (f *fakePrefs) ListRegistered(context.Context) ([]domain.UserPrefs, error) {
	return f.registered, nil
}

// optimizing builds registered prefs with auto-optimize on.
func optimizing(owners ...string) []domain.UserPrefs {
	out := make([]domain.UserPrefs, 0, len(owners))
	for _, o := range owners {
		out = append(out, domain.UserPrefs{Owner: o, AutoOptimize: true, AgentRegistered: true})
	}
	return out
}

type fakeActions struct {
	mu      sync.Mutex
	created []domain.AgentAction
}

func (f *fakeActions) Create(_ context.Context, a domain.AgentAction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, a)
	return nil
}
func (f *fakeActions) UpdateStatus(context.Context, string, domain.ActionStatus, string) error {
	return nil
}
func (f *fakeActions) ListByOwner(context.Context, string, domain.ListOpts) ([]domain.AgentAction, error) {
	return nil, nil
}
func (f *fakeActions) ListBefore(context.Context, time.Time) ([]domain.AgentAction, error) {
	return nil, nil
}
func (f *fakeActions) DeleteBefore(context.Context, time.Time) (int64, error) { return 0, nil }

func (f *fakeActions) byType(t domain.ActionType) []domain.AgentAction {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.AgentAction
	for _, a := range f.created {
		if a.Type == t {
			out = append(out, a)
		}
	}
	return out
}

type fakeSessions struct {
	invalid map[string]string // owner -> reason
}

func (f *fakeSessions) Validate(_ context.Context, owner string, _ domain.SessionType) domain.SessionValidation {
	if reason, ok := f.invalid[owner]; ok {
		return domain.SessionValidation{Valid: false, Reason: reason}
	}
	return domain.SessionValidation{Valid: true}
}
func (f *fakeSessions) Get(_ context.Context, owner string, typ domain.SessionType) (domain.SessionAuthorization, error) {
	return domain.SessionAuthorization{
		Type:           typ,
		Owner:          owner,
		SessionAddress: "0x4444444444444444444444444444444444444444",
		EncryptedKey:   []byte("sealed"),
		ApprovedVaults: []string{vaultA, vaultB},
		ExpiresAt:      time.Now().Add(time.Hour),
	}, nil
}
func (f *fakeSessions) Policy(*domain.SessionAuthorization) domain.CallPolicy {
	return domain.CallPolicy{
		Entries: []domain.PolicyEntry{
			{Target: asset, Selector: "0x095ea7b3"},
			{Target: vaultA, Selector: "0x6e553f65"},
			{Target: vaultA, Selector: "0xba087652"},
			{Target: vaultB, Selector: "0x6e553f65"},
			{Target: vaultB, Selector: "0xba087652"},
		},
		ApproveSpenders: []string{vaultA, vaultB},
	}
}

type fakeMarket struct {
	opps      []domain.YieldOpportunity
	positions map[string][]domain.Position
	balances  map[string]int64
}

func (f *fakeMarket) Opportunities(context.Context) []domain.YieldOpportunity { return f.opps }
func (f *fakeMarket) Positions(_ context.Context, owner string, _ []domain.YieldOpportunity) []domain.Position {
	return f.positions[owner]
}
func (f *fakeMarket) IdleBalance(_ context.Context, owner string) (int64, error) {
	return f.balances[owner], nil
}

type fakeGate struct {
	mu      sync.Mutex
	report  oracle.Report
	reports []oracle.Report // consumed first when set
	calls   int
}

func (f *fakeGate) Check(context.Context) (oracle.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.reports) > 0 {
		report := f.reports[0]
		f.reports = f.reports[1:]
		return report, nil
	}
	return f.report, nil
}

func (f *fakeGate) checkCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeExecutor struct {
	mu       sync.Mutex
	executed map[string]int
	failFor  map[string]string // owner -> revert reason
}

func (f *fakeExecutor) Execute(_ context.Context, session *domain.SessionAuthorization, _ domain.CallPolicy, calls []domain.Call) (domain.ExecutionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.executed == nil {
		f.executed = make(map[string]int)
	}
	f.executed[session.Owner]++
	if reason, ok := f.failFor[session.Owner]; ok {
		return domain.ExecutionResult{Success: false, TxHash: "0xdead", Error: reason}, nil
	}
	return domain.ExecutionResult{Success: true, TxHash: "0xbeef", GasUsed: 150000}, nil
}
func (f *fakeExecutor) Simulation() bool { return false }

// memoryLocks is a single-process LockManager for tests.
type memoryLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemoryLocks() *memoryLocks { return &memoryLocks{held: make(map[string]bool)} }

func (m *memoryLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[key] {
		return nil, domain.ErrLockHeld
	}
	m.held[key] = true
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.held, key)
	}, nil
}

type runnerParts struct {
	prefs    *fakePrefs
	actions  *fakeActions
	sessions *fakeSessions
	market   *fakeMarket
	gate     *fakeGate
	executor *fakeExecutor
	locks    *memoryLocks
	limiter  *ratelimit.Limiter
}

func newTestRunner(t *testing.T, parts *runnerParts) *Runner {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if parts.limiter == nil {
		parts.limiter = ratelimit.NewLimiter(ratelimit.NewMemoryStore(), ratelimit.Limits{
			MaxPerOpUSD: decimal.NewFromInt(500),
			MaxPerDay:   20,
			Window:      24 * time.Hour,
		}, logger)
	}
	eng := newTestEngine(logger)
	return NewRunner(
		parts.prefs,
		parts.actions,
		parts.sessions,
		parts.market,
		eng,
		parts.gate,
		execution.NewBuilder(asset),
		parts.executor,
		parts.limiter,
		parts.locks,
		nil,
		nil,
		Opts{LockTTL: time.Minute, UserTimeout: time.Minute, MaxParallel: 4},
		logger,
	)
}

func healthyMarket() *fakeMarket {
	return &fakeMarket{
		opps: []domain.YieldOpportunity{
			{Protocol: domain.ProtocolAaveV3, VaultAddress: vaultA, APY: 0.04},
			{Protocol: domain.ProtocolMorpho, VaultAddress: vaultB, APY: 0.09},
		},
		positions: map[string][]domain.Position{
			alice: {{Protocol: domain.ProtocolAaveV3, VaultAddress: vaultA, Shares: 400_000000, Amount: 410_000000, EntryAPY: 0.04}},
		},
		balances: map[string]int64{},
	}
}

func TestRunBatchUnsafeMarketSkipsEveryone(t *testing.T) {
	parts := &runnerParts{
		prefs:    &fakePrefs{registered: optimizing(alice, bob)},
		actions:  &fakeActions{},
		sessions: &fakeSessions{},
		market:   healthyMarket(),
		gate:     &fakeGate{report: oracle.Report{Safe: false, Reason: "sequencer down"}},
		executor: &fakeExecutor{},
		locks:    newMemoryLocks(),
	}
	r := newTestRunner(t, parts)

	summary, err := r.RunBatch(context.Background())
	if err == nil {
		t.Fatalf("unsafe market must fail the run")
	}
	if summary.Processed != 0 {
		t.Fatalf("no user may be processed when unsafe, got %d", summary.Processed)
	}
	if len(parts.executor.executed) != 0 {
		t.Fatalf("nothing may execute when unsafe")
	}
}

func TestRunBatchRebalancesAndRecords(t *testing.T) {
	parts := &runnerParts{
		prefs:    &fakePrefs{registered: optimizing(alice)},
		actions:  &fakeActions{},
		sessions: &fakeSessions{},
		market:   healthyMarket(),
		gate:     &fakeGate{report: oracle.Report{Safe: true}},
		executor: &fakeExecutor{},
		locks:    newMemoryLocks(),
	}
	r := newTestRunner(t, parts)

	summary, err := r.RunBatch(context.Background())
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if summary.Processed != 1 || summary.Rebalanced != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	recorded := parts.actions.byType(domain.ActionRebalance)
	if len(recorded) != 1 {
		t.Fatalf("expected 1 rebalance action, got %d", len(recorded))
	}
	a := recorded[0]
	if a.Status != domain.ActionSuccess || a.TxHash != "0xbeef" {
		t.Fatalf("unexpected action: %+v", a)
	}
	if a.FromProtocol != domain.ProtocolAaveV3 || a.ToProtocol != domain.ProtocolMorpho {
		t.Fatalf("action must record the route: %+v", a)
	}
}

func TestRunBatchIsolatesUserFailures(t *testing.T) {
	market := healthyMarket()
	market.positions[bob] = []domain.Position{
		{Protocol: domain.ProtocolAaveV3, VaultAddress: vaultA, Shares: 200_000000, Amount: 205_000000, EntryAPY: 0.04},
	}
	parts := &runnerParts{
		prefs:    &fakePrefs{registered: optimizing(alice, bob)},
		actions:  &fakeActions{},
		sessions: &fakeSessions{},
		market:   market,
		gate:     &fakeGate{report: oracle.Report{Safe: true}},
		executor: &fakeExecutor{failFor: map[string]string{alice: "execution reverted"}},
		locks:    newMemoryLocks(),
	}
	r := newTestRunner(t, parts)

	summary, err := r.RunBatch(context.Background())
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if summary.Processed != 2 || summary.Rebalanced != 1 || summary.Errors != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	// Alice's failed run is recorded as failed and her budget slot is
	// returned; the next check must be allowed again.
	d, err := parts.limiter.CheckAndRecord(context.Background(), alice, decimal.NewFromInt(10))
	if err != nil || !d.Allowed {
		t.Fatalf("failed execution must not consume the rate budget: %v", err)
	}
}

func TestRunBatchSkipsInvalidSession(t *testing.T) {
	parts := &runnerParts{
		prefs:    &fakePrefs{registered: optimizing(alice)},
		actions:  &fakeActions{},
		sessions: &fakeSessions{invalid: map[string]string{alice: "session expired"}},
		market:   healthyMarket(),
		gate:     &fakeGate{report: oracle.Report{Safe: true}},
		executor: &fakeExecutor{},
		locks:    newMemoryLocks(),
	}
	r := newTestRunner(t, parts)

	summary, err := r.RunBatch(context.Background())
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if summary.Skipped != 1 {
		t.Fatalf("invalid session must skip, got %+v", summary)
	}
	if checks := parts.actions.byType(domain.ActionCheck); len(checks) != 1 || checks[0].Status != domain.ActionSkipped {
		t.Fatalf("skip must leave an audit record, got %+v", checks)
	}
	if len(parts.executor.executed) != 0 {
		t.Fatalf("invalid session must never execute")
	}
}

func TestRunBatchRespectsHeldLock(t *testing.T) {
	parts := &runnerParts{
		prefs:    &fakePrefs{registered: optimizing(alice)},
		actions:  &fakeActions{},
		sessions: &fakeSessions{},
		market:   healthyMarket(),
		gate:     &fakeGate{report: oracle.Report{Safe: true}},
		executor: &fakeExecutor{},
		locks:    newMemoryLocks(),
	}
	// Another instance already works on alice.
	if _, err := parts.locks.Acquire(context.Background(), "agent:run:"+alice, time.Minute); err != nil {
		t.Fatalf("pre-acquire: %v", err)
	}
	r := newTestRunner(t, parts)

	summary, err := r.RunBatch(context.Background())
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if summary.Skipped != 1 || summary.Rebalanced != 0 {
		t.Fatalf("held lock must skip the user, got %+v", summary)
	}
}

func TestRunBatchRateLimitSkips(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), ratelimit.Limits{
		MaxPerOpUSD: decimal.NewFromInt(500),
		MaxPerDay:   1,
		Window:      24 * time.Hour,
	}, logger)
	// Use up alice's single slot.
	if d, err := limiter.CheckAndRecord(context.Background(), alice, decimal.NewFromInt(1)); err != nil || !d.Allowed {
		t.Fatalf("seed record: %v", err)
	}

	parts := &runnerParts{
		prefs:    &fakePrefs{registered: optimizing(alice)},
		actions:  &fakeActions{},
		sessions: &fakeSessions{},
		market:   healthyMarket(),
		gate:     &fakeGate{report: oracle.Report{Safe: true}},
		executor: &fakeExecutor{},
		locks:    newMemoryLocks(),
		limiter:  limiter,
	}
	r := newTestRunner(t, parts)

	summary, err := r.RunBatch(context.Background())
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if summary.Skipped != 1 {
		t.Fatalf("rate-limited user must be skipped, got %+v", summary)
	}
	if len(parts.executor.executed) != 0 {
		t.Fatalf("rate-limited user must never execute")
	}
}

func TestRunBatchNoOpportunityRecordsCheck(t *testing.T) {
	market := healthyMarket()
	market.opps = nil
	parts := &runnerParts{
		prefs:    &fakePrefs{registered: optimizing(alice)},
		actions:  &fakeActions{},
		sessions: &fakeSessions{},
		market:   market,
		gate:     &fakeGate{report: oracle.Report{Safe: true}},
		executor: &fakeExecutor{},
		locks:    newMemoryLocks(),
	}
	r := newTestRunner(t, parts)

	summary, err := r.RunBatch(context.Background())
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if summary.Skipped != 1 {
		t.Fatalf("no opportunities must skip, got %+v", summary)
	}
	checks := parts.actions.byType(domain.ActionCheck)
	if len(checks) != 1 || checks[0].Metadata["reason"] == "" {
		t.Fatalf("check record must explain the skip, got %+v", checks)
	}
}

func TestRunBatchSkipsAutoOptimizeDisabled(t *testing.T) {
	registered := optimizing(alice)
	registered = append(registered, domain.UserPrefs{Owner: bob, AgentRegistered: true})
	parts := &runnerParts{
		prefs:    &fakePrefs{registered: registered},
		actions:  &fakeActions{},
		sessions: &fakeSessions{},
		market:   healthyMarket(),
		gate:     &fakeGate{report: oracle.Report{Safe: true}},
		executor: &fakeExecutor{},
		locks:    newMemoryLocks(),
	}
	r := newTestRunner(t, parts)

	summary, err := r.RunBatch(context.Background())
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if summary.Processed != 2 || summary.Rebalanced != 1 || summary.Skipped != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	var bobResult *UserResult
	for i := range summary.Details {
		if summary.Details[i].Owner == bob {
			bobResult = &summary.Details[i]
		}
	}
	if bobResult == nil || bobResult.Outcome != OutcomeSkipped || bobResult.Reason != "auto-optimize disabled" {
		t.Fatalf("disabled user must surface as skipped with the reason, got %+v", bobResult)
	}
	if parts.executor.executed[bob] != 0 {
		t.Fatalf("disabled user must never execute")
	}
}

func TestRunBatchRechecksGatePerUser(t *testing.T) {
	parts := &runnerParts{
		prefs:    &fakePrefs{registered: optimizing(alice, bob)},
		actions:  &fakeActions{},
		sessions: &fakeSessions{},
		market:   healthyMarket(),
		// Safe at batch start, unsafe by the time users run.
		gate: &fakeGate{
			reports: []oracle.Report{{Safe: true}},
			report:  oracle.Report{Safe: false, Reason: "stale price"},
		},
		executor: &fakeExecutor{},
		locks:    newMemoryLocks(),
	}
	r := newTestRunner(t, parts)

	summary, err := r.RunBatch(context.Background())
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if summary.Skipped != 2 || summary.Rebalanced != 0 {
		t.Fatalf("a verdict flip mid-run must skip every remaining user, got %+v", summary)
	}
	for _, d := range summary.Details {
		if d.Reason != "market unsafe: stale price" {
			t.Fatalf("skip must carry the gate reason, got %+v", d)
		}
	}
	if got := parts.gate.checkCount(); got != 3 {
		t.Fatalf("gate must be read once per batch plus once per user, got %d checks", got)
	}
	if len(parts.executor.executed) != 0 {
		t.Fatalf("nothing may execute against a stale safe verdict")
	}
}
