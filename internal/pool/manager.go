// Package pool implements the process-pool manager: a single-threaded
// cooperative event loop owning a fleet of worker processes, routing
// executions to them, enforcing timeouts, detecting crashes, scaling,
// recycling, and publishing heartbeats. All pool state is mutated by
// one goroutine selecting over a typed event union; everything else
// only ever sends on a channel.
package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/bifrostrun/execengine/internal/cancelchan"
	"github.com/bifrostrun/execengine/internal/dispatcher"
	"github.com/bifrostrun/execengine/internal/ephemeral"
	"github.com/bifrostrun/execengine/internal/metrics"
	"github.com/bifrostrun/execengine/internal/progress"
	"github.com/bifrostrun/execengine/internal/resultpath"
	"github.com/bifrostrun/execengine/internal/workerproc"
	"github.com/bifrostrun/execengine/pkg/types"
)

// Config parameterizes one Manager. Durations are pre-resolved by the
// caller (see internal/config) so this package stays free of YAML.
type Config struct {
	BinaryPath       string
	WorkerID         string
	Host             string
	EphemeralBackend string
	EphemeralAddr    string

	MinWorkers int
	MaxWorkers int

	DefaultTimeout    time.Duration
	GracefulShutdown  time.Duration
	RecycleAfterExecs int

	HeartbeatInterval time.Duration
	RegistrationTTL   time.Duration

	// ScaleUpHighWaterMark is the fraction of busy slots (0..1) that,
	// sustained for ScaleUpSustain, triggers spawning one more worker.
	ScaleUpHighWaterMark float64
	ScaleUpSustain       time.Duration
	// ScaleDownCooldown is how long a slot must have been idle before
	// it is eligible to be scaled back down toward MinWorkers.
	ScaleDownCooldown time.Duration

	TickInterval     time.Duration
	ChildOutputLimit int
}

// resolved fills in defaults for the tick interval, pool bounds,
// scaling thresholds and grace window when they are left zero
// (MinWorkers falls back to 1, MaxWorkers to at least MinWorkers).
// DefaultTimeout, HeartbeatInterval, RegistrationTTL and
// RecycleAfterExecs are used as given.
func (c Config) resolved() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.MinWorkers <= 0 {
		c.MinWorkers = 1
	}
	if c.MaxWorkers < c.MinWorkers {
		c.MaxWorkers = c.MinWorkers
	}
	if c.ScaleUpHighWaterMark <= 0 {
		c.ScaleUpHighWaterMark = 0.8
	}
	if c.ScaleUpSustain <= 0 {
		c.ScaleUpSustain = 5 * time.Second
	}
	if c.ScaleDownCooldown <= 0 {
		c.ScaleDownCooldown = 60 * time.Second
	}
	if c.GracefulShutdown <= 0 {
		c.GracefulShutdown = 5 * time.Second
	}
	return c
}

// Manager is the Process-Pool Manager. It implements
// dispatcher.PoolDispatcher; all other state is private to the event
// loop goroutine started by Start.
type Manager struct {
	cfg       Config
	ephemeral ephemeral.Store
	publisher *progress.Publisher
	results   *resultpath.Path
	metrics   *metrics.Collector
	log       *slog.Logger

	events chan managerEvent

	// slots, logBuffers and the scaling/recycle bookkeeping below are
	// owned exclusively by run's goroutine after Start returns.
	slots         map[string]*slot
	nextSlotSeq   int
	logBuffers    map[types.ExecutionID][]byte
	busyHighSince time.Time
	lastHeartbeat time.Time
	startedAt     time.Time

	cancelSub *cancelchan.Subscriber

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New builds a Manager. Call Start before Dispatch.
func New(cfg Config, eph ephemeral.Store, publisher *progress.Publisher, results *resultpath.Path, mc *metrics.Collector) *Manager {
	cfg = cfg.resolved()
	return &Manager{
		cfg:        cfg,
		ephemeral:  eph,
		publisher:  publisher,
		results:    results,
		metrics:    mc,
		log:        slog.Default().With("component", "pool", "worker_id", cfg.WorkerID),
		events:     make(chan managerEvent, 64),
		slots:      make(map[string]*slot),
		logBuffers: make(map[types.ExecutionID][]byte),
		startedAt:  time.Now(),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start spawns the minimum worker fleet, subscribes to the
// cancellation channel, and launches the event loop in its own
// goroutine. It returns once the initial fleet is up.
func (m *Manager) Start(ctx context.Context) error {
	var startErr error
	m.startOnce.Do(func() {
		for i := 0; i < m.cfg.MinWorkers; i++ {
			if _, err := m.spawn(); err != nil {
				startErr = fmt.Errorf("pool: spawn initial worker: %w", err)
				return
			}
		}

		sub, err := cancelchan.Subscribe(ctx, m.ephemeral)
		if err != nil {
			startErr = fmt.Errorf("pool: subscribe cancel channel: %w", err)
			return
		}
		m.cancelSub = sub

		go m.forwardCancels(sub)
		go m.forwardTicks()
		go m.run(ctx)
	})
	return startErr
}

// Stop signals the event loop to terminate every slot and exit. It
// blocks until shutdown completes or ctx is cancelled.
func (m *Manager) Stop(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	select {
	case <-m.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) forwardCancels(sub *cancelchan.Subscriber) {
	for req := range sub.Requests() {
		select {
		case m.events <- managerEvent{kind: eventCancel, cancel: req}:
		case <-m.doneCh:
			return
		}
	}
}

func (m *Manager) forwardTicks() {
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			select {
			case m.events <- managerEvent{kind: eventTick}:
			case <-m.doneCh:
				return
			}
		case <-m.doneCh:
			return
		}
	}
}

// Dispatch implements dispatcher.PoolDispatcher: it hands an execution
// to the event loop and blocks for the placement decision only, not
// for completion.
func (m *Manager) Dispatch(ctx context.Context, id types.ExecutionID, tenantID string, sync bool, timeout time.Duration, kind types.ExecutionKind) error {
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}
	resp := make(chan error, 1)
	req := dispatchRequest{ctx: ctx, id: id, tenantID: tenantID, sync: sync, timeout: timeout, kind: kind, resp: resp}

	select {
	case m.events <- managerEvent{kind: eventDispatch, dispatch: req}:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.doneCh:
		return fmt.Errorf("pool: manager stopped")
	}

	select {
	case err := <-resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.doneCh:
		return fmt.Errorf("pool: manager stopped")
	}
}

// MarkAllForRecycle flags every slot for recycling: an already-idle
// slot is killed immediately, a busy slot is killed as soon as its
// current execution completes (see completeExecution). Used after an
// event that invalidates worker in-process state, e.g. a package
// install.
func (m *Manager) MarkAllForRecycle(ctx context.Context) error {
	resp := make(chan struct{})
	select {
	case m.events <- managerEvent{kind: eventMarkForRecycle, recycleResp: resp}:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.doneCh:
		return fmt.Errorf("pool: manager stopped")
	}
	select {
	case <-resp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.doneCh:
		return fmt.Errorf("pool: manager stopped")
	}
}

// run is the single-threaded event loop. Nothing outside this
// goroutine (after Start returns) ever reads or writes m.slots,
// m.logBuffers, or any slot's fields.
func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)
	defer m.shutdown(ctx)

	for {
		select {
		case ev := <-m.events:
			m.handle(ctx, ev)
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) handle(ctx context.Context, ev managerEvent) {
	switch ev.kind {
	case eventDispatch:
		m.handleDispatch(ev.dispatch)
	case eventChild:
		m.handleChild(ctx, ev)
	case eventChildExited:
		m.handleChildExited(ctx, ev)
	case eventCancel:
		m.handleCancel(ctx, ev.cancel)
	case eventTick:
		m.handleTick(ctx)
	case eventMarkForRecycle:
		m.handleMarkForRecycle(ev)
	}
}

// handleMarkForRecycle flags every slot; an idle slot has nothing left
// to finish, so it is killed right away instead of waiting for a
// dispatch that would just be killed again on completion.
func (m *Manager) handleMarkForRecycle(ev managerEvent) {
	for _, s := range m.slots {
		s.markedForRecycle = true
		if s.state == types.SlotIdle {
			s.state = types.SlotKilled
			s.reason = reasonRecycle
			_ = s.sendTerminate()
		}
	}
	if ev.recycleResp != nil {
		close(ev.recycleResp)
	}
}

// handleDispatch places an execution: pick an idle slot, else spawn if
// under the max, else report saturation so the dispatcher requeues.
func (m *Manager) handleDispatch(req dispatchRequest) {
	if s := m.pickIdleSlot(); s != nil {
		req.resp <- m.runOn(s, req)
		return
	}
	if len(m.slots) < m.cfg.MaxWorkers {
		s, err := m.spawn()
		if err != nil {
			req.resp <- fmt.Errorf("pool: scale-up spawn: %w", err)
			return
		}
		req.resp <- m.runOn(s, req)
		return
	}
	req.resp <- dispatcher.ErrPoolSaturated
}

// pickIdleSlot returns the idle slot that has been idle longest: an
// LRU-idle-first policy that spreads recycling evenly across the
// fleet instead of hammering whichever slot happens to free up last.
func (m *Manager) pickIdleSlot() *slot {
	var best *slot
	for _, s := range m.slots {
		if s.state != types.SlotIdle {
			continue
		}
		if best == nil || s.becameIdleAt.Before(best.becameIdleAt) {
			best = s
		}
	}
	return best
}

func (m *Manager) runOn(s *slot, req dispatchRequest) error {
	s.state = types.SlotBusy
	s.currentExecutionID = req.id
	s.currentTenantID = req.tenantID
	s.currentSync = req.sync
	s.draining = false
	s.reason = reasonNone
	s.deadline = time.Now().Add(req.timeout)
	delete(m.logBuffers, req.id)

	if err := s.sendRun(req.id, false); err != nil {
		s.state = types.SlotIdle
		s.becameIdleAt = time.Now()
		s.currentExecutionID = ""
		return fmt.Errorf("pool: send run: %w", err)
	}
	if m.metrics != nil {
		m.metrics.RecordDispatched()
	}
	return nil
}

// handleChild routes one decoded Event from a worker process.
func (m *Manager) handleChild(ctx context.Context, ev managerEvent) {
	s, ok := m.slots[ev.processID]
	if !ok {
		return
	}

	switch ev.child.Type {
	case workerproc.MsgStateChange:
		if m.publisher != nil {
			_ = m.publisher.Publish(ctx, ev.child.ExecutionID, s.currentTenantID, types.ProgressState, map[string]string{"state": ev.child.StateChange})
		}
	case workerproc.MsgProgress:
		if ev.child.Progress != nil && m.publisher != nil {
			_ = m.publisher.Publish(ctx, ev.child.ExecutionID, s.currentTenantID, ev.child.Progress.Kind, ev.child.Progress.Payload)
		}
		m.bufferLog(ev.child.ExecutionID, ev.child.Progress)
	case workerproc.MsgResult:
		// A slot already draining toward a timeout/cancel-triggered
		// synthetic terminal status ignores a late genuine Result: the
		// record is marked TIMEOUT/CANCELLED unconditionally once the
		// deadline fires, so honoring a race-losing real result here
		// would overwrite a correct terminal state with a stale one.
		if s.draining || s.state != types.SlotBusy || ev.child.ExecutionID != s.currentExecutionID {
			return
		}
		m.completeExecution(ctx, s, ev.child.Result, false)
	}
}

func (m *Manager) bufferLog(id types.ExecutionID, p *workerproc.ProgressFrame) {
	if p == nil || p.Kind != types.ProgressLog {
		return
	}
	body, err := json.Marshal(p.Payload)
	if err != nil {
		return
	}
	m.logBuffers[id] = append(append(m.logBuffers[id], body...), '\n')
}

// completeExecution builds the Outcome for the slot's current
// execution and hands it to the result path asynchronously, then
// frees the slot. finalize runs in its own goroutine because a slow
// record store or log sink must never stall the event loop.
func (m *Manager) completeExecution(ctx context.Context, s *slot, frame *workerproc.ResultFrame, synthetic bool) {
	id := s.currentExecutionID
	logs := m.logBuffers[id]
	delete(m.logBuffers, id)

	outcome := resultpath.Outcome{ExecutionID: id, TenantID: s.currentTenantID, Sync: s.currentSync}
	if frame != nil {
		outcome.Status = frame.Status
		outcome.Result = frame.Result
		outcome.ErrorKind = frame.ErrorKind
		outcome.ErrorMessage = frame.ErrorMessage
		outcome.ResourceUsage = frame.ResourceUsage
	}
	outcome.Logs = logs

	go func() {
		finalizeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := m.results.Finalize(finalizeCtx, outcome); err != nil {
			m.log.Error("finalize execution", "id", id, "synthetic", synthetic, "error", err)
		}
	}()

	s.currentExecutionID = ""
	s.executionsCompleted++
	s.draining = false

	// recycle_after_executions counts every terminal outcome, not just
	// successes: the threshold bounds accumulated in-process state,
	// which grows regardless of how the execution ended.
	recycleNow := s.markedForRecycle
	if !recycleNow && m.cfg.RecycleAfterExecs > 0 && s.executionsCompleted%m.cfg.RecycleAfterExecs == 0 {
		recycleNow = true
	}

	if recycleNow {
		s.markedForRecycle = false
		s.state = types.SlotKilled
		s.reason = reasonRecycle
		_ = s.sendTerminate()
		return
	}

	s.state = types.SlotIdle
	s.becameIdleAt = time.Now()
	s.reason = reasonNone
}

// handleChildExited reaps a dead process. If it was mid-execution, the
// outcome is synthesized from the termination reason the event loop
// itself set before signaling, the sole source of truth for why a
// slot is going down, since the child can't narrate its own crash.
// The gate is currentExecutionID, not slot state: a draining slot
// stays BUSY right up until this reap (handleTick never flips it to
// KILLED early), but a non-execution kill (scale-down or an
// already-idle recycle) clears currentExecutionID before the process
// is ever signaled, so this still only fires for a slot that actually
// had an execution in flight.
func (m *Manager) handleChildExited(ctx context.Context, ev managerEvent) {
	s, ok := m.slots[ev.processID]
	if !ok {
		return
	}
	delete(m.slots, ev.processID)

	if s.currentExecutionID != "" {
		kind, status := types.ErrWorkerCrashed, types.StatusFailed
		switch s.reason {
		case reasonTimeout:
			kind, status = types.ErrTimeout, types.StatusTimeout
		case reasonCancel:
			kind, status = types.ErrCancelled, types.StatusCancelled
		}
		m.completeExecution(ctx, s, &workerproc.ResultFrame{
			Status:       status,
			ErrorKind:    kind,
			ErrorMessage: crashMessage(s.reason, ev.exitErr),
		}, true)
	}

	if len(m.slots) < m.cfg.MinWorkers {
		if _, err := m.spawn(); err != nil {
			m.log.Error("respawn to maintain min_workers", "error", err)
		}
	}
}

func crashMessage(reason terminationReason, exitErr error) string {
	switch reason {
	case reasonTimeout:
		return "execution exceeded its deadline"
	case reasonCancel:
		return "execution cancelled"
	default:
		if exitErr != nil {
			return fmt.Sprintf("worker process exited: %v", exitErr)
		}
		return "worker process exited unexpectedly"
	}
}

// handleCancel looks up the slot currently running the target
// execution and SIGTERMs it. An id with no matching busy slot (the
// execution already finished, or never existed) is dropped with a
// debug diagnostic rather than an error, per the open question on
// unknown cancel targets: cancellation is advisory, not a contract.
func (m *Manager) handleCancel(ctx context.Context, req types.CancelRequest) {
	for _, s := range m.slots {
		if s.state == types.SlotBusy && s.currentExecutionID == req.ExecutionID {
			s.draining = true
			s.reason = reasonCancel
			s.terminateAt = time.Now().Add(m.cfg.GracefulShutdown)
			if err := s.sigterm(ctx); err != nil {
				m.log.Warn("sigterm on cancel", "id", req.ExecutionID, "error", err)
			}
			return
		}
	}
	m.log.Debug("cancel-not-found", "id", req.ExecutionID, "reason", req.Reason)
}

// handleTick sweeps deadlines, escalates draining slots past their
// grace window, and runs scaling/heartbeat bookkeeping.
func (m *Manager) handleTick(ctx context.Context) {
	now := time.Now()

	for _, s := range m.slots {
		switch {
		case s.state == types.SlotBusy && !s.draining && !s.deadline.IsZero() && now.After(s.deadline):
			s.draining = true
			s.reason = reasonTimeout
			s.terminateAt = now.Add(m.cfg.GracefulShutdown)
			if err := s.sigterm(ctx); err != nil {
				m.log.Warn("sigterm on timeout", "id", s.currentExecutionID, "error", err)
			}
		case s.draining && !s.killSent && !s.terminateAt.IsZero() && now.After(s.terminateAt):
			// The slot stays busy/draining until handleChildExited
			// actually reaps it. Flipping to KILLED here, before the
			// process has exited, would make handleChildExited's
			// synthetic-result gate fire on the wrong condition and
			// the execution would never reach a terminal status.
			s.killSent = true
			if err := s.sigkill(ctx); err != nil {
				m.log.Warn("sigkill after grace window", "pid", s.pid, "error", err)
			}
		}
	}

	m.sweepScaling(now)
	m.sweepHeartbeat(ctx, now)
}

// sweepScaling handles high-water-mark scale-up and cooldown-gated
// scale-down.
func (m *Manager) sweepScaling(now time.Time) {
	busy, idle := 0, 0
	var idleSlots []*slot
	for _, s := range m.slots {
		if s.state == types.SlotBusy {
			busy++
		} else if s.state == types.SlotIdle {
			idle++
			idleSlots = append(idleSlots, s)
		}
	}
	total := len(m.slots)
	if total == 0 {
		return
	}

	if m.metrics != nil {
		m.metrics.UpdatePoolStats(total, idle, busy)
	}

	occupancy := float64(busy) / float64(total)
	if occupancy >= m.cfg.ScaleUpHighWaterMark {
		if m.busyHighSince.IsZero() {
			m.busyHighSince = now
		}
		if now.Sub(m.busyHighSince) >= m.cfg.ScaleUpSustain && total < m.cfg.MaxWorkers {
			if _, err := m.spawn(); err != nil {
				m.log.Error("scale-up spawn", "error", err)
			} else {
				m.busyHighSince = time.Time{}
			}
		}
	} else {
		m.busyHighSince = time.Time{}
	}

	if total <= m.cfg.MinWorkers || len(idleSlots) == 0 {
		return
	}
	sort.Slice(idleSlots, func(i, j int) bool { return idleSlots[i].becameIdleAt.Before(idleSlots[j].becameIdleAt) })
	oldest := idleSlots[0]
	if now.Sub(oldest.becameIdleAt) >= m.cfg.ScaleDownCooldown {
		oldest.reason = reasonScaleDown
		oldest.state = types.SlotKilled
		_ = oldest.sendTerminate()
	}
}

// sweepHeartbeat refreshes this worker's pool:{worker_id} registration
// once every HeartbeatInterval (on every tick when it is zero).
func (m *Manager) sweepHeartbeat(ctx context.Context, now time.Time) {
	if !m.lastHeartbeat.IsZero() && now.Sub(m.lastHeartbeat) < m.cfg.HeartbeatInterval {
		return
	}
	m.lastHeartbeat = now

	reg := types.WorkerRegistration{
		WorkerID:      m.cfg.WorkerID,
		Host:          m.cfg.Host,
		StartedAt:     m.startedAt,
		LastHeartbeat: now,
	}
	for _, s := range m.slots {
		reg.Processes = append(reg.Processes, s.info())
		switch s.state {
		case types.SlotIdle:
			reg.IdleCount++
		case types.SlotBusy:
			reg.BusyCount++
		}
	}
	reg.PoolSize = len(m.slots)

	body, err := json.Marshal(reg)
	if err != nil {
		m.log.Error("marshal heartbeat", "error", err)
		return
	}
	if err := m.ephemeral.Set(ctx, heartbeatKey(m.cfg.WorkerID), body, m.cfg.RegistrationTTL); err != nil {
		m.log.Warn("publish heartbeat", "error", err)
	}
}

func (m *Manager) spawn() (*slot, error) {
	m.nextSlotSeq++
	processID := fmt.Sprintf("%s-%d", m.cfg.WorkerID, m.nextSlotSeq)
	s, err := spawnSlot(m.cfg.BinaryPath, workerEnv(m.cfg, processID), processID, m.events, m.cfg.ChildOutputLimit)
	if err != nil {
		return nil, err
	}
	m.slots[processID] = s
	return s, nil
}

// shutdown runs once the event loop exits: SIGTERM every live slot,
// wait GracefulShutdown, then SIGKILL every slot whose process has not
// been reaped yet.
func (m *Manager) shutdown(ctx context.Context) {
	for _, s := range m.slots {
		_ = s.sigterm(ctx)
	}
	if m.cancelSub != nil {
		_ = m.cancelSub.Close()
	}
	deadline := time.NewTimer(m.cfg.GracefulShutdown)
	defer deadline.Stop()
	<-deadline.C
	for _, s := range m.slots {
		if s.cmd.ProcessState == nil {
			_ = s.sigkill(ctx)
		}
	}
}

func heartbeatKey(workerID string) string { return fmt.Sprintf("pool:%s", workerID) }

// workerEnv is how the worker process learns its identity and how to
// reach the ephemeral store: an explicit environment hand-off instead
// of a shared in-process global.
func workerEnv(cfg Config, processID string) []string {
	env := append(os.Environ(),
		fmt.Sprintf("BIFROST_PROCESS_ID=%s", processID),
		fmt.Sprintf("BIFROST_WORKER_ID=%s", cfg.WorkerID),
		fmt.Sprintf("BIFROST_EPHEMERAL_BACKEND=%s", cfg.EphemeralBackend),
		fmt.Sprintf("BIFROST_EPHEMERAL_ADDR=%s", cfg.EphemeralAddr),
	)
	return env
}
