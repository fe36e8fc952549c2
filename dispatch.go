package main

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// criticalAttempts is the total number of tries for a critical command:
// the initial send plus two retries.
const criticalAttempts = 3

// RetryTask is a failed critical command waiting for the retry worker.
type RetryTask struct {
	ID                string
	Command           string
	BathID            int
	AttemptsRemaining int
}

// Dispatcher sends device commands. First attempts go through an outbox that
// one sender goroutine drains in submission order, so callers never block on
// the device. Failed critical commands go to a FIFO that a single retry worker
// drains one task at a time, across all baths.
type Dispatcher struct {
	ctx     context.Context
	sender  sender
	log     *zap.SugaredLogger
	metrics *metrics

	mu       sync.Mutex
	outbox   []commandBatch
	closed   bool
	tasks    []*RetryTask
	current  *RetryTask
	send     chan struct{}
	wake     chan struct{}
	inFlight sync.WaitGroup
}

// pendingCommand is one device command addressed for a bath.
type pendingCommand struct {
	Command string
	BathID  int
}

type commandBatch struct {
	commands []pendingCommand
	critical bool
}

func newDispatcher(ctx context.Context, sender sender, m *metrics, log *zap.SugaredLogger) *Dispatcher {
	d := &Dispatcher{
		ctx:     ctx,
		sender:  sender,
		log:     log,
		metrics: m,
		send:    make(chan struct{}, 1),
		wake:    make(chan struct{}, 1),
	}
	go d.runOutbox()
	go d.run()
	return d
}

// Dispatch fires command without waiting for the result. When critical is
// set and the attempt fails, the command is queued for retry.
func (d *Dispatcher) Dispatch(command string, bathID int, critical bool) {
	d.dispatch([]pendingCommand{{Command: command, BathID: bathID}}, critical)
}

// DispatchSequence queues critical commands to be sent one after another, in
// order, after everything dispatched before them. Failed ones are queued for
// retry.
func (d *Dispatcher) DispatchSequence(commands []pendingCommand) {
	d.dispatch(commands, true)
}

func (d *Dispatcher) dispatch(commands []pendingCommand, critical bool) {
	if len(commands) == 0 {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.log.Warnw("DISPATCH: dispatcher stopped, dropping commands", "count", len(commands), "bath", commands[0].BathID)
		return
	}
	d.inFlight.Add(1)
	d.outbox = append(d.outbox, commandBatch{commands: commands, critical: critical})
	d.mu.Unlock()

	select {
	case d.send <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) nextBatch() (commandBatch, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.outbox) == 0 {
		return commandBatch{}, false
	}
	batch := d.outbox[0]
	d.outbox[0] = commandBatch{}
	d.outbox = d.outbox[1:]
	return batch, true
}

func (d *Dispatcher) runOutbox() {
Loop:
	for {
		select {
		case <-d.ctx.Done():
			break Loop
		case <-d.send:
			for batch, ok := d.nextBatch(); ok; batch, ok = d.nextBatch() {
				for _, c := range batch.commands {
					d.first(c, batch.critical)
				}
				d.inFlight.Done()
			}
		}
	}
	d.mu.Lock()
	d.closed = true
	dropped := len(d.outbox)
	d.outbox = nil
	d.mu.Unlock()
	// release Wait for batches that will never be sent
	for i := 0; i < dropped; i++ {
		d.inFlight.Done()
	}
	d.log.Debugw("DISPATCH: sender stopped", "droppedBatches", dropped)
}

func (d *Dispatcher) first(c pendingCommand, critical bool) {
	err := d.attempt(c.Command)
	if err == nil {
		return
	}
	if !critical {
		d.log.Warnw("DISPATCH: command failed", "command", c.Command, "bath", c.BathID, "error", err)
		return
	}
	d.log.Warnw("DISPATCH: critical command failed, queueing retry", "command", c.Command, "bath", c.BathID, "error", err)
	d.enqueue(&RetryTask{
		ID:                uuid.NewString(),
		Command:           c.Command,
		BathID:            c.BathID,
		AttemptsRemaining: criticalAttempts - 1,
	})
}

// Send performs one synchronous best-effort attempt and returns its error to
// the caller. Nothing is queued.
func (d *Dispatcher) Send(ctx context.Context, command string, bathID int) error {
	_, err := d.sender.Send(ctx, command)
	d.metrics.commandResult(command, err)
	if err != nil {
		d.log.Warnw("DISPATCH: best-effort command failed", "command", command, "bath", bathID, "error", err)
	}
	return err
}

// Pending returns the number of queued retry tasks, including the one in flight.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.tasks)
	if d.current != nil {
		n++
	}
	return n
}

// Wait blocks until every first attempt dispatched so far has returned.
func (d *Dispatcher) Wait() {
	d.inFlight.Wait()
}

func (d *Dispatcher) attempt(command string) error {
	_, err := d.sender.Send(d.ctx, command)
	d.metrics.commandResult(command, err)
	return err
}

func (d *Dispatcher) enqueue(task *RetryTask) {
	d.mu.Lock()
	d.tasks = append(d.tasks, task)
	d.metrics.queueDepth(len(d.tasks))
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) next() *RetryTask {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.tasks) == 0 {
		return nil
	}
	task := d.tasks[0]
	d.tasks[0] = nil
	d.tasks = d.tasks[1:]
	d.current = task
	d.metrics.queueDepth(len(d.tasks))
	return task
}

func (d *Dispatcher) finish() {
	d.mu.Lock()
	d.current = nil
	d.mu.Unlock()
}

func (d *Dispatcher) run() {
Loop:
	for {
		select {
		case <-d.ctx.Done():
			break Loop
		case <-d.wake:
			for task := d.next(); task != nil; task = d.next() {
				d.process(task)
				d.finish()
				if d.ctx.Err() != nil {
					break Loop
				}
			}
		}
	}
	d.log.Debugw("DISPATCH: retry worker stopped", "pending", d.Pending())
}

// process retries task until it succeeds or runs out of attempts. The task is
// dropped either way before the worker moves on.
func (d *Dispatcher) process(task *RetryTask) {
	for task.AttemptsRemaining > 0 {
		task.AttemptsRemaining--
		d.metrics.retryAttempt()
		err := d.attempt(task.Command)
		if err == nil {
			d.log.Infow("DISPATCH: retry succeeded", "command", task.Command, "bath", task.BathID, "task", task.ID)
			return
		}
		d.log.Warnw("DISPATCH: retry failed", "command", task.Command, "bath", task.BathID,
			"task", task.ID, "attemptsRemaining", task.AttemptsRemaining, "error", err)
	}
	d.metrics.retryExhausted()
	d.log.Errorw("DISPATCH: retries exhausted, dropping command", "command", task.Command, "bath", task.BathID, "task", task.ID)
}
