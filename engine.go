package main

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// EngineConfig holds the timing constants of a bath cycle, in seconds.
type EngineConfig struct {
	BathCount       int
	ReductionWindow int
	ReductionBuffer int
	AlarmThreshold  int
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		BathCount:       6,
		ReductionWindow: 300,
		ReductionBuffer: 20,
		AlarmThreshold:  20,
	}
}

type commander interface {
	Dispatch(command string, bathID int, critical bool)
	DispatchSequence(commands []pendingCommand)
	Send(ctx context.Context, command string, bathID int) error
}

type persister interface {
	Save(snap Snapshot)
}

type historyRecorder interface {
	AppendHistory(entry HistoryEntry) error
}

type engineOption func(*Engine)

func withHistory(h historyRecorder) engineOption {
	return func(e *Engine) { e.history = h }
}

func withMetrics(m *metrics) engineOption {
	return func(e *Engine) { e.metrics = m }
}

func withClock(c clock.Clock) engineOption {
	return func(e *Engine) { e.clock = c }
}

// Engine owns the bath registry. Every mutation is serialised by mu.
// Commands, events and persistence run after the lock is released.
type Engine struct {
	cfg       EngineConfig
	commander commander
	persister persister
	history   historyRecorder
	metrics   *metrics
	clock     clock.Clock
	log       *zap.SugaredLogger
	bus       eventBus

	mu     sync.Mutex
	baths  map[int]*BathProcess
	active map[int]struct{}
}

func newEngine(cfg EngineConfig, commander commander, persister persister, log *zap.SugaredLogger, opts ...engineOption) *Engine {
	e := &Engine{
		cfg:       cfg,
		commander: commander,
		persister: persister,
		clock:     clock.New(),
		log:       log,
		baths:     make(map[int]*BathProcess, cfg.BathCount),
		active:    make(map[int]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	for id := 1; id <= cfg.BathCount; id++ {
		e.baths[id] = newBathProcess(id)
	}
	return e
}

// effects collects what a locked section wants done once the lock is gone.
type effects struct {
	commands []pendingCommand
	events   []Event
	history  []HistoryEntry
	snapshot Snapshot
	persist  bool
}

func (fx *effects) critical(command string, bathID int) {
	fx.commands = append(fx.commands, pendingCommand{Command: command, BathID: bathID})
}

func (e *Engine) event(fx *effects, kind EventKind, bathID int) {
	fx.events = append(fx.events, Event{Kind: kind, BathID: bathID, At: e.clock.Now()})
}

// Restore loads a reconciled snapshot. Baths that were running keep counting
// down; paused baths keep their position.
func (e *Engine) Restore(snap Snapshot) {
	e.mu.Lock()
	for id, rec := range snap {
		b, ok := e.baths[id]
		if !ok {
			e.log.Warnw("ENGINE: ignoring stored bath outside configured range", "bath", id)
			continue
		}
		b.RemainingSeconds = max(rec.RemainingSeconds, 0)
		b.State = rec.State
		b.OrderNumber = rec.OrderNumber
		b.AmperageCount = max(rec.AmperageCount, 0)
		b.ReductionSchedule = nil
		b.AlarmArmed = true
		if b.State == StateRunning && b.RemainingSeconds > 0 {
			e.active[id] = struct{}{}
			b.cycleStarted = e.clock.Now()
			e.log.Infow("ENGINE: resuming bath", "bath", id, "remaining", b.RemainingSeconds)
		}
	}
	e.metrics.active(len(e.active))
	e.mu.Unlock()
}

// Tick advances every active bath by one second.
func (e *Engine) Tick() {
	fx := &effects{}

	e.mu.Lock()
	for _, id := range e.activeIDs() {
		b := e.baths[id]
		if b.RemainingSeconds <= 0 {
			continue
		}
		b.RemainingSeconds--
		fx.persist = true

		if b.RemainingSeconds <= e.cfg.ReductionWindow {
			fired := advanceReduction(b, e.cfg.ReductionWindow, e.cfg.ReductionBuffer)
			for i := 0; i < fired; i++ {
				fx.critical(downCommand(id), id)
			}
			if fired > 0 {
				e.metrics.reduced(strconv.Itoa(id), fired)
				e.log.Infow("ENGINE: amperage reduced", "bath", id, "pulses", fired,
					"remaining", b.RemainingSeconds, "amperageCount", b.AmperageCount)
			}
		}

		if b.AlarmArmed && b.RemainingSeconds == e.cfg.AlarmThreshold {
			b.AlarmArmed = false
			e.event(fx, EventAlarmStart, id)
		}

		if b.RemainingSeconds == 0 {
			e.complete(b, fx)
		}
	}
	e.finish(fx)
	e.mu.Unlock()

	e.apply(fx)
}

// complete ends the cycle of b. Callers hold mu.
func (e *Engine) complete(b *BathProcess, fx *effects) {
	fx.critical(relayOffCommand(b.ID), b.ID)
	fx.history = append(fx.history, HistoryEntry{
		BathID:      b.ID,
		OrderNumber: b.OrderNumber,
		StartedAt:   b.cycleStarted,
		CompletedAt: e.clock.Now(),
	})

	delete(e.active, b.ID)
	b.RemainingSeconds = 0
	b.State = StateOff
	b.AmperageCount = 0
	b.ReductionSchedule = nil
	b.OrderNumber = OrderNumber{}
	b.AlarmArmed = true
	b.cycleStarted = time.Time{}
	fx.persist = true

	e.metrics.completed(strconv.Itoa(b.ID))
	e.event(fx, EventAlarmStop, b.ID)
	e.event(fx, EventCycleComplete, b.ID)
	e.log.Infow("ENGINE: cycle complete", "bath", b.ID)
}

// finish snapshots state for persistence. Callers hold mu.
func (e *Engine) finish(fx *effects) {
	e.metrics.active(len(e.active))
	if fx.persist {
		fx.snapshot = e.snapshotLocked()
	}
}

func (e *Engine) apply(fx *effects) {
	if fx.snapshot != nil && e.persister != nil {
		e.persister.Save(fx.snapshot)
	}
	if len(fx.commands) > 0 {
		e.commander.DispatchSequence(fx.commands)
	}
	for _, ev := range fx.events {
		e.bus.emit(ev)
	}
	if e.history != nil {
		for _, entry := range fx.history {
			if err := e.history.AppendHistory(entry); err != nil {
				e.log.Errorw("ENGINE: recording cycle history failed", "bath", entry.BathID, "error", err)
			}
		}
	}
}

func (e *Engine) activeIDs() []int {
	ids := make([]int, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (e *Engine) snapshotLocked() Snapshot {
	snap := make(Snapshot, len(e.baths))
	for id, b := range e.baths {
		snap[id] = BathRecord{
			RemainingSeconds: b.RemainingSeconds,
			State:            b.State,
			OrderNumber:      b.OrderNumber,
			AmperageCount:    b.AmperageCount,
		}
	}
	return snap
}

func (e *Engine) bath(id int) (*BathProcess, error) {
	b, ok := e.baths[id]
	if !ok {
		return nil, unknownBath(id)
	}
	return b, nil
}

// mutate runs fn on bath id under the lock and applies the collected effects.
func (e *Engine) mutate(id int, fn func(b *BathProcess, fx *effects) error) error {
	fx := &effects{}
	e.mu.Lock()
	b, err := e.bath(id)
	if err == nil {
		err = fn(b, fx)
	}
	if err == nil {
		e.finish(fx)
	}
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.apply(fx)
	return nil
}

// Start registers the bath with the tick loop. A bath without remaining time
// is registered but ticks leave it untouched.
func (e *Engine) Start(id int) error {
	return e.mutate(id, func(b *BathProcess, fx *effects) error {
		e.run(b, fx)
		return nil
	})
}

// run registers b with the tick loop. Callers hold mu.
func (e *Engine) run(b *BathProcess, fx *effects) {
	if _, ok := e.active[b.ID]; ok {
		return
	}
	if b.State == StateOff {
		b.cycleStarted = e.clock.Now()
	}
	e.active[b.ID] = struct{}{}
	b.State = StateRunning
	fx.persist = true
	e.log.Infow("ENGINE: bath started", "bath", b.ID, "remaining", b.RemainingSeconds, "amperageCount", b.AmperageCount)
}

// Stop halts ticking for the bath and turns a running bath Off. Remaining
// time, amperage, schedule and order number are left as they are; the alarm
// is silenced and re-armed.
func (e *Engine) Stop(id int) error {
	return e.mutate(id, func(b *BathProcess, fx *effects) error {
		e.halt(b, fx)
		if b.State == StateRunning {
			b.State = StateOff
			fx.persist = true
		}
		e.log.Infow("ENGINE: bath stopped", "bath", id, "remaining", b.RemainingSeconds)
		return nil
	})
}

// Pause stops the bath and marks it paused. The relay is not touched.
func (e *Engine) Pause(id int) error {
	return e.mutate(id, func(b *BathProcess, fx *effects) error {
		e.halt(b, fx)
		if b.State == StateRunning {
			b.State = StatePaused
			fx.persist = true
		}
		e.log.Infow("ENGINE: bath paused", "bath", id, "remaining", b.RemainingSeconds)
		return nil
	})
}

func (e *Engine) halt(b *BathProcess, fx *effects) {
	delete(e.active, b.ID)
	b.AlarmArmed = true
	e.event(fx, EventAlarmStop, b.ID)
}

// SetDuration sets the remaining time directly. Setting zero on an active
// bath ends its cycle.
func (e *Engine) SetDuration(id int, seconds int) error {
	if seconds < 0 {
		return errors.Wrapf(ErrInvalidInput, "negative duration %d", seconds)
	}
	return e.mutate(id, func(b *BathProcess, fx *effects) error {
		e.setRemaining(b, seconds, fx)
		return nil
	})
}

// AdjustDuration moves the remaining time by delta seconds, clamped at zero.
func (e *Engine) AdjustDuration(id int, delta int) error {
	return e.mutate(id, func(b *BathProcess, fx *effects) error {
		e.setRemaining(b, max(b.RemainingSeconds+delta, 0), fx)
		return nil
	})
}

func (e *Engine) setRemaining(b *BathProcess, seconds int, fx *effects) {
	b.RemainingSeconds = seconds
	fx.persist = true
	if _, ok := e.active[b.ID]; ok && seconds == 0 {
		e.complete(b, fx)
	}
}

// SetState records the bath state. Running starts the bath, Off or Paused
// takes it out of the tick loop, so a stored Running always means ticking.
func (e *Engine) SetState(id int, state BathState) error {
	if !state.valid() {
		return errors.Wrapf(ErrInvalidInput, "bath state %d", int(state))
	}
	return e.mutate(id, func(b *BathProcess, fx *effects) error {
		if state == StateRunning {
			e.run(b, fx)
			return nil
		}
		if _, ok := e.active[id]; ok {
			e.halt(b, fx)
		}
		b.State = state
		fx.persist = true
		return nil
	})
}

// UpdateAmperageCount replaces the pending step-down count and discards the
// current schedule so the next tick in the window recomputes it.
func (e *Engine) UpdateAmperageCount(id int, count int) error {
	if count < 0 {
		return errors.Wrapf(ErrInvalidInput, "negative amperage count %d", count)
	}
	return e.mutate(id, func(b *BathProcess, fx *effects) error {
		b.AmperageCount = count
		b.ReductionSchedule = nil
		fx.persist = true
		return nil
	})
}

// StepAmperage sends a manual R{id}UP or R{id}DOWN once. When the device
// accepts it, an UP adds one pending step-down and a DOWN uses one up, and the
// schedule is recomputed on the next tick inside the window.
func (e *Engine) StepAmperage(ctx context.Context, id int, up bool) error {
	if _, err := e.Bath(id); err != nil {
		return err
	}
	command := downCommand(id)
	if up {
		command = upCommand(id)
	}
	if err := e.commander.Send(ctx, command, id); err != nil {
		return err
	}
	return e.mutate(id, func(b *BathProcess, fx *effects) error {
		if up {
			b.AmperageCount++
		} else if b.AmperageCount > 0 {
			b.AmperageCount--
		}
		b.ReductionSchedule = nil
		fx.persist = true
		e.log.Infow("ENGINE: manual amperage step", "bath", id, "command", command, "amperageCount", b.AmperageCount)
		return nil
	})
}

func (e *Engine) SetOrderNumber(id int, order OrderNumber) error {
	for _, digit := range order {
		if digit > 9 {
			return errors.Wrapf(ErrInvalidInput, "order digit %d", digit)
		}
	}
	return e.mutate(id, func(b *BathProcess, fx *effects) error {
		b.OrderNumber = order
		fx.persist = true
		return nil
	})
}

// Bath returns a copy of the bath state.
func (e *Engine) Bath(id int) (BathProcess, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, err := e.bath(id)
	if err != nil {
		return BathProcess{}, err
	}
	return b.clone(), nil
}

// Baths returns copies of all baths ordered by id.
func (e *Engine) Baths() []BathProcess {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]BathProcess, 0, len(e.baths))
	for id := 1; id <= e.cfg.BathCount; id++ {
		out = append(out, e.baths[id].clone())
	}
	return out
}

func (e *Engine) Active(id int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[id]
	return ok
}

// DispatchCritical sends command for bath id with bounded retries. It never blocks.
func (e *Engine) DispatchCritical(command string, id int) error {
	if _, ok := e.baths[id]; !ok {
		return unknownBath(id)
	}
	e.commander.Dispatch(command, id, true)
	return nil
}

// DispatchBestEffort sends command once and reports the failure to the caller.
func (e *Engine) DispatchBestEffort(ctx context.Context, command string, id int) error {
	if _, ok := e.baths[id]; !ok {
		return unknownBath(id)
	}
	return e.commander.Send(ctx, command, id)
}

// Subscribe returns a channel receiving alarm and completion events.
func (e *Engine) Subscribe() <-chan Event {
	return e.bus.subscribe()
}
