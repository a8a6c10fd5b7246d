// Package twap implements TWAPScheduler: the algorithmic core that slices a
// signal's total quantity into a time-keyed plan of child orders, adapts
// slice size and price to prevailing market conditions, and submits each
// slice as a LIMIT-IOC child order through OrderStore.
package twap

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradecore/execengine/internal/domain"
	"github.com/tradecore/execengine/internal/orders"
	"github.com/tradecore/execengine/pkg/observability"
)

// OrderSubmitter is the minimal OrderStore surface the scheduler needs to
// create and submit child orders. *orders.Store satisfies this directly.
type OrderSubmitter interface {
	Create(o domain.Order) (string, error)
	Submit(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
}

// MarketDataSource is the minimal read path into the last-known-snapshot
// cache. *marketdata.Cache satisfies this directly.
type MarketDataSource interface {
	Get(ctx context.Context, symbol string) (domain.MarketData, bool)
}

// Config tunes the scheduler's tick cadence and slice-sizing behavior.
type Config struct {
	TickInterval             time.Duration
	MinSliceSize             decimal.Decimal
	MaxSliceSize             decimal.Decimal
	AdaptiveSizing           bool
	MaxParticipationRate     float64
	PriceImprovementThreshold float64
	TimeoutGrace             time.Duration // added to execution duration before the timeout monitor cancels it
}

func (c *Config) setDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 100 * time.Millisecond
	}
	if c.MaxSliceSize.IsZero() {
		c.MaxSliceSize = decimal.New(1_000_000, 0)
	}
	if c.MaxParticipationRate <= 0 {
		c.MaxParticipationRate = 0.1
	}
	if c.PriceImprovementThreshold <= 0 {
		c.PriceImprovementThreshold = 0.02
	}
	if c.TimeoutGrace <= 0 {
		c.TimeoutGrace = 5 * time.Minute
	}
}

// pendingSlice is one entry of the time-keyed dispatch heap.
type pendingSlice struct {
	scheduledAt time.Time
	executionID string
}

type sliceHeap []pendingSlice

func (h sliceHeap) Len() int            { return len(h) }
func (h sliceHeap) Less(i, j int) bool  { return h[i].scheduledAt.Before(h[j].scheduledAt) }
func (h sliceHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *sliceHeap) Push(x interface{}) { *h = append(*h, x.(pendingSlice)) }
func (h *sliceHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// childRef links a dispatched child order back to the execution and slice
// that produced it, so an asynchronous order event can find its way home
// without the order ever holding a pointer into the scheduler.
type childRef struct {
	executionID string
	sliceID     string
	filledSoFar decimal.Decimal // cumulative FilledQuantity last applied from this child's events
}

// Scheduler is TWAPScheduler. It exclusively owns AlgorithmExecutions and
// their Slices; callers only ever see copies.
type Scheduler struct {
	cfg        Config
	submitter  OrderSubmitter
	marketData MarketDataSource
	logger     *observability.Logger
	metrics    *observability.MetricsProvider

	mu         sync.Mutex
	executions map[string]*domain.AlgorithmExecution
	heap       sliceHeap
	children   map[string]childRef // child order id -> (execution, slice)

	execSeq  int64
	sliceSeq int64

	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// New constructs a Scheduler and starts its single dispatch/timeout-monitor
// goroutine. Call Stop to join it; Stop leaves in-flight children alone.
func New(cfg Config, submitter OrderSubmitter, marketData MarketDataSource, logger *observability.Logger, metrics *observability.MetricsProvider) *Scheduler {
	cfg.setDefaults()
	s := &Scheduler{
		cfg:        cfg,
		submitter:  submitter,
		marketData: marketData,
		logger:     logger,
		metrics:    metrics,
		executions: make(map[string]*domain.AlgorithmExecution),
		children:   make(map[string]childRef),
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Scheduler) nextExecutionID() string {
	n := atomic.AddInt64(&s.execSeq, 1)
	return fmt.Sprintf("TWAP_%d_%06d", time.Now().UnixMicro(), n%1000000)
}

func (s *Scheduler) nextSliceID() string {
	n := atomic.AddInt64(&s.sliceSeq, 1)
	return fmt.Sprintf("SLICE_%08d", n%100000000)
}

// ShouldPromote implements the controller-facing promotion rule: a direct
// signal is promoted to TWAP when quantity, notional, or expected market
// impact crosses any of the three configured thresholds.
func ShouldPromote(quantity, price, marketVolume decimal.Decimal, quantityThreshold, valueThreshold, marketImpactThreshold decimal.Decimal) bool {
	if quantity.GreaterThanOrEqual(quantityThreshold) {
		return true
	}
	if quantity.Mul(price).GreaterThanOrEqual(valueThreshold) {
		return true
	}
	if marketVolume.GreaterThan(decimal.Zero) {
		impact := quantity.Div(marketVolume)
		if impact.GreaterThanOrEqual(marketImpactThreshold) {
			return true
		}
	}
	return false
}

// Start validates params, builds the slice plan, and admits a new running
// execution. Returns the execution id.
func (s *Scheduler) Start(strategyID, symbol string, side domain.Side, params domain.TWAPParameters) (string, error) {
	if strategyID == "" || symbol == "" {
		return "", fmt.Errorf("twap: strategy_id and symbol are required")
	}
	if params.TotalQuantity.LessThanOrEqual(decimal.Zero) {
		return "", fmt.Errorf("twap: total_quantity must be positive")
	}
	if params.DurationMinutes <= 0 {
		return "", fmt.Errorf("twap: duration_minutes must be positive")
	}
	if params.SliceCount <= 0 {
		return "", fmt.Errorf("twap: slice_count must be positive")
	}

	now := time.Now()
	slices := buildSlicePlan(s.nextSliceID, now, params)

	exec := &domain.AlgorithmExecution{
		ID:                s.nextExecutionID(),
		StrategyID:        strategyID,
		Symbol:            symbol,
		Side:              side,
		Params:            params,
		Status:            domain.ExecutionStatusRunning,
		RemainingQuantity: params.TotalQuantity,
		StartedAt:         now,
		Slices:            slices,
	}
	for i := range exec.Slices {
		exec.Slices[i].ExecutionID = exec.ID
	}

	s.mu.Lock()
	s.executions[exec.ID] = exec
	if len(exec.Slices) > 0 {
		heap.Push(&s.heap, pendingSlice{scheduledAt: exec.Slices[0].ScheduledAt, executionID: exec.ID})
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.IncrementTWAPExecutions(context.Background())
	}
	if s.logger != nil {
		s.logger.Info(context.Background(), "twap execution started", map[string]interface{}{
			"execution_id": exec.ID, "symbol": symbol, "slices": len(slices),
		})
	}
	return exec.ID, nil
}

// buildSlicePlan computes the slice plan per the base/residual rule: every
// slice but the last gets total/slice_count; the last absorbs the rounding
// residual so the sum always equals total exactly.
func buildSlicePlan(nextID func() string, start time.Time, params domain.TWAPParameters) []*domain.ExecutionSlice {
	n := params.SliceCount
	baseQ := params.TotalQuantity.DivRound(decimal.NewFromInt(int64(n)), 16)
	durationSeconds := params.DurationMinutes * 60
	interval := time.Duration(durationSeconds/n) * time.Second

	slices := make([]*domain.ExecutionSlice, 0, n)
	runningTotal := decimal.Zero
	for i := 0; i < n; i++ {
		qty := baseQ
		if i == n-1 {
			qty = params.TotalQuantity.Sub(runningTotal)
		}
		runningTotal = runningTotal.Add(qty)
		slices = append(slices, &domain.ExecutionSlice{
			ID:              nextID(),
			PlannedQuantity: qty,
			ScheduledAt:     start.Add(time.Duration(i) * interval),
		})
	}
	return slices
}

// Get returns a read-only copy of an execution and its slices.
func (s *Scheduler) Get(executionID string) (domain.AlgorithmExecution, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[executionID]
	if !ok {
		return domain.AlgorithmExecution{}, false
	}
	return copyExecution(e), true
}

func copyExecution(e *domain.AlgorithmExecution) domain.AlgorithmExecution {
	cp := *e
	cp.Slices = append([]*domain.ExecutionSlice(nil), e.Slices...)
	cp.ChildOrderIDs = append([]string(nil), e.ChildOrderIDs...)
	return cp
}

// Pause moves a RUNNING execution to PAUSED; dispatch of its slices halts
// until Resume.
func (s *Scheduler) Pause(executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[executionID]
	if !ok {
		return fmt.Errorf("twap: unknown execution %s", executionID)
	}
	if e.Status != domain.ExecutionStatusRunning {
		return fmt.Errorf("twap: execution %s is not running", executionID)
	}
	e.Status = domain.ExecutionStatusPaused
	return nil
}

// Resume moves a PAUSED execution back to RUNNING.
func (s *Scheduler) Resume(executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[executionID]
	if !ok {
		return fmt.Errorf("twap: unknown execution %s", executionID)
	}
	if e.Status != domain.ExecutionStatusPaused {
		return fmt.Errorf("twap: execution %s is not paused", executionID)
	}
	e.Status = domain.ExecutionStatusRunning
	return nil
}

// Cancel drains in-flight children through OrderStore.cancel and moves the
// execution to CANCELLED.
func (s *Scheduler) Cancel(ctx context.Context, executionID string) error {
	s.mu.Lock()
	e, ok := s.executions[executionID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("twap: unknown execution %s", executionID)
	}
	if e.Status.IsTerminal() {
		s.mu.Unlock()
		return nil
	}
	e.Status = domain.ExecutionStatusCancelled
	e.EndedAt = time.Now()
	childIDs := append([]string(nil), e.ChildOrderIDs...)
	s.mu.Unlock()

	for _, id := range childIDs {
		_ = s.submitter.Cancel(ctx, id)
	}
	if s.metrics != nil {
		s.metrics.DecrementTWAPExecutions(ctx)
	}
	return nil
}

// complete marks an execution COMPLETED. Caller holds no lock.
func (s *Scheduler) complete(executionID string) {
	s.mu.Lock()
	e, ok := s.executions[executionID]
	if ok && !e.Status.IsTerminal() {
		e.Status = domain.ExecutionStatusCompleted
		e.EndedAt = time.Now()
	}
	s.mu.Unlock()
	if ok && s.metrics != nil {
		s.metrics.DecrementTWAPExecutions(context.Background())
	}
}

// OnOrderEvent is the observer the controller wires into OrderStore's event
// stream (via AsyncCallbackManager) for EventOrderFilled/EventOrderPartial.
// It folds the fill back into the owning execution's progress and, once the
// child order reaches a terminal state, reschedules the next slice or
// completes the execution as appropriate. FilledQuantity on the order is
// cumulative, so only the delta since the last event from this child is
// applied — a child that reports PARTIALLY_FILLED before FILLED must not
// have its later event ignored or its fill double-counted.
func (s *Scheduler) OnOrderEvent(ev orders.OrderEvent) {
	s.mu.Lock()
	ref, ok := s.children[ev.Order.ID]
	if !ok {
		s.mu.Unlock()
		return
	}
	exec, ok := s.executions[ref.executionID]
	if !ok {
		s.mu.Unlock()
		return
	}

	fillDelta := ev.Order.FilledQuantity.Sub(ref.filledSoFar)
	if fillDelta.GreaterThan(decimal.Zero) {
		priorNotional := exec.AverageFillPrice.Mul(exec.ExecutedQuantity)
		newNotional := priorNotional.Add(ev.Order.AverageFillPrice.Mul(fillDelta))
		exec.ExecutedQuantity = exec.ExecutedQuantity.Add(fillDelta)
		if exec.ExecutedQuantity.GreaterThan(decimal.Zero) {
			exec.AverageFillPrice = newNotional.Div(exec.ExecutedQuantity)
		}
		exec.RemainingQuantity = exec.Params.TotalQuantity.Sub(exec.ExecutedQuantity)
	}

	if !ev.Order.Status.IsTerminal() {
		ref.filledSoFar = ev.Order.FilledQuantity
		s.children[ev.Order.ID] = ref
		s.mu.Unlock()
		return
	}

	for _, sl := range exec.Slices {
		if sl.ID == ref.sliceID {
			sl.Executed = true
			break
		}
	}
	delete(s.children, ev.Order.ID)

	done := exec.RemainingQuantity.LessThanOrEqual(decimal.New(1, -3))
	execID := exec.ID
	symbol := exec.Symbol
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordTWAPSlice(context.Background(), symbol)
	}
	if done {
		s.complete(execID)
	} else {
		s.rescheduleNext(exec)
	}
}

// run is the dedicated dispatch tick (100 ms default) plus the timeout
// monitor, combined on one ticker for simplicity; timeout checks are cheap
// enough to run every tick rather than warranting a second goroutine.
func (s *Scheduler) run() {
	defer close(s.stopped)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick()
			s.checkTimeouts()
		}
	}
}

// tick pops all due slices, groups them by symbol, and dispatches each.
func (s *Scheduler) tick() {
	now := time.Now()
	type due struct {
		executionID string
		slice       *domain.ExecutionSlice
	}
	var dueSlices []due

	s.mu.Lock()
	for s.heap.Len() > 0 && !s.heap[0].scheduledAt.After(now) {
		entry := heap.Pop(&s.heap).(pendingSlice)
		exec, ok := s.executions[entry.executionID]
		if !ok || exec.Status.IsTerminal() {
			continue
		}
		if exec.Status == domain.ExecutionStatusPaused {
			// Not dispatchable right now; re-push for a later look.
			heap.Push(&s.heap, pendingSlice{scheduledAt: now.Add(s.cfg.TickInterval), executionID: entry.executionID})
			continue
		}
		nextSlice := nextUnexecuted(exec)
		if nextSlice == nil {
			continue
		}
		dueSlices = append(dueSlices, due{executionID: entry.executionID, slice: nextSlice})
	}
	s.mu.Unlock()

	bySymbol := make(map[string][]due)
	for _, d := range dueSlices {
		s.mu.Lock()
		exec := s.executions[d.executionID]
		s.mu.Unlock()
		if exec == nil {
			continue
		}
		bySymbol[exec.Symbol] = append(bySymbol[exec.Symbol], d)
	}

	for _, group := range bySymbol {
		for _, d := range group {
			s.dispatchSlice(d.executionID, d.slice)
		}
	}
}

func nextUnexecuted(exec *domain.AlgorithmExecution) *domain.ExecutionSlice {
	for _, sl := range exec.Slices {
		if !sl.Executed {
			return sl
		}
	}
	return nil
}

// dispatchSlice computes adaptive size and target price and submits the
// child order. It does not mark the slice executed or schedule the next one
// after a successful create: OnOrderEvent does both once the child reaches a
// terminal status. It reschedules directly only when the size comes out
// non-positive or the child cannot be created.
func (s *Scheduler) dispatchSlice(executionID string, slice *domain.ExecutionSlice) {
	s.mu.Lock()
	exec, ok := s.executions[executionID]
	s.mu.Unlock()
	if !ok {
		return
	}

	ctx := context.Background()
	snapshot, _ := s.marketData.Get(ctx, exec.Symbol)

	qty := s.sliceSize(exec, slice, snapshot)
	if qty.LessThanOrEqual(decimal.Zero) {
		s.rescheduleNext(exec)
		return
	}
	price := targetPrice(exec.Side, snapshot, exec.Params.PriceTolerance)

	order := domain.Order{
		StrategyID:  exec.StrategyID,
		Symbol:      exec.Symbol,
		Side:        exec.Side,
		Type:        domain.OrderTypeLimit,
		TimeInForce: domain.TimeInForceIOC,
		Quantity:    qty,
		Price:       price,
	}

	orderID, err := s.submitter.Create(order)
	if err != nil || orderID == "" {
		if s.logger != nil {
			s.logger.Warn(ctx, "twap slice create failed", map[string]interface{}{"execution_id": executionID, "error": errString(err)})
		}
		s.rescheduleNext(exec)
		return
	}
	if err := s.submitter.Submit(ctx, orderID); err != nil {
		if s.logger != nil {
			s.logger.Warn(ctx, "twap slice submit failed", map[string]interface{}{"execution_id": executionID, "order_id": orderID, "error": err.Error()})
		}
	}

	s.mu.Lock()
	slice.ChildOrderID = orderID
	exec.ChildOrderIDs = append(exec.ChildOrderIDs, orderID)
	s.children[orderID] = childRef{executionID: executionID, sliceID: slice.ID}
	s.mu.Unlock()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// sliceSize computes the adaptive or plan size, clamped to
// [min_slice_size, max_slice_size], and reduces it further when the
// execution's running participation has overshot the cap.
func (s *Scheduler) sliceSize(exec *domain.AlgorithmExecution, slice *domain.ExecutionSlice, snapshot domain.MarketData) decimal.Decimal {
	size := slice.PlannedQuantity
	if s.cfg.AdaptiveSizing && snapshot.Volume.GreaterThan(decimal.Zero) {
		remainingSlices := remainingUnexecutedCount(exec)
		if remainingSlices > 0 {
			perSlice := exec.RemainingQuantity.Div(decimal.NewFromInt(int64(remainingSlices)))
			participation := snapshot.Volume.Mul(decimal.NewFromFloat(exec.Params.ParticipationRate))
			size = decimal.Min(perSlice, participation)
		}
	}

	if overParticipating(exec, snapshot, s.cfg.MaxParticipationRate, s.cfg.PriceImprovementThreshold) {
		size = size.Div(decimal.NewFromInt(2))
	}

	if s.cfg.MinSliceSize.GreaterThan(decimal.Zero) && size.LessThan(s.cfg.MinSliceSize) {
		size = s.cfg.MinSliceSize
	}
	if s.cfg.MaxSliceSize.GreaterThan(decimal.Zero) && size.GreaterThan(s.cfg.MaxSliceSize) {
		size = s.cfg.MaxSliceSize
	}
	if size.GreaterThan(exec.RemainingQuantity) {
		size = exec.RemainingQuantity
	}
	return size
}

func remainingUnexecutedCount(exec *domain.AlgorithmExecution) int {
	n := 0
	for _, sl := range exec.Slices {
		if !sl.Executed {
			n++
		}
	}
	return n
}

// overParticipating flags executions whose running participation rate
// exceeds the configured cap, or whose last price has drifted from the
// average executed price beyond the improvement threshold. Either
// condition requires the next slice be shrunk.
func overParticipating(exec *domain.AlgorithmExecution, snapshot domain.MarketData, maxRate, improvementThreshold float64) bool {
	if snapshot.Volume.GreaterThan(decimal.Zero) {
		participation := exec.ExecutedQuantity.Div(snapshot.Volume)
		if participation.GreaterThan(decimal.NewFromFloat(maxRate)) {
			return true
		}
	}
	if exec.AverageFillPrice.GreaterThan(decimal.Zero) && snapshot.LastPrice.GreaterThan(decimal.Zero) {
		diff := snapshot.LastPrice.Sub(exec.AverageFillPrice).Abs()
		ratio := diff.Div(exec.AverageFillPrice)
		f, _ := ratio.Float64()
		if !math.IsNaN(f) && f > improvementThreshold {
			return true
		}
	}
	return false
}

// targetPrice returns best-ask + tolerance for BUY, best-bid - tolerance
// for SELL.
func targetPrice(side domain.Side, snapshot domain.MarketData, tolerance decimal.Decimal) decimal.Decimal {
	if side == domain.SideBuy {
		ref := snapshot.BestAsk
		return ref.Add(ref.Mul(tolerance))
	}
	ref := snapshot.BestBid
	return ref.Sub(ref.Mul(tolerance))
}

// rescheduleNext pushes the execution's next unexecuted slice back onto the
// dispatch heap, or marks the execution complete if none remain.
func (s *Scheduler) rescheduleNext(exec *domain.AlgorithmExecution) {
	s.mu.Lock()
	next := nextUnexecuted(exec)
	if next == nil {
		s.mu.Unlock()
		s.complete(exec.ID)
		return
	}
	heap.Push(&s.heap, pendingSlice{scheduledAt: time.Now().Add(s.cfg.TickInterval), executionID: exec.ID})
	s.mu.Unlock()
}

// checkTimeouts cancels any RUNNING/PAUSED execution whose elapsed time
// exceeds its configured duration plus the grace period.
func (s *Scheduler) checkTimeouts() {
	now := time.Now()
	var expired []string

	s.mu.Lock()
	for id, e := range s.executions {
		if e.Status.IsTerminal() {
			continue
		}
		deadline := e.StartedAt.Add(time.Duration(e.Params.DurationMinutes)*time.Minute + s.cfg.TimeoutGrace)
		if now.After(deadline) {
			expired = append(expired, id)
		}
	}
	s.mu.Unlock()

	for _, id := range expired {
		_ = s.Cancel(context.Background(), id)
	}
}

// Stop joins the dispatch/timeout goroutine. In-flight children are left to
// OrderStore's own lifecycle; Stop does not cancel them.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stop) })
	<-s.stopped
}
