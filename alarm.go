package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// alarmService consumes engine events. It switches the alarm device on and
// off, silences itself after duration, and forwards notifications.
type alarmService struct {
	ctx      context.Context
	events   <-chan Event
	device   sender
	notifier notifier
	clock    clock.Clock
	duration time.Duration
	log      *zap.SugaredLogger

	mu     sync.Mutex
	active map[int]*clock.Timer
}

func newAlarmService(ctx context.Context, events <-chan Event, device sender, n notifier, clk clock.Clock, duration time.Duration, log *zap.SugaredLogger) *alarmService {
	if n == nil {
		n = noopNotifier{}
	}
	as := &alarmService{
		ctx:      ctx,
		events:   events,
		device:   device,
		notifier: n,
		clock:    clk,
		duration: duration,
		log:      log,
		active:   make(map[int]*clock.Timer),
	}
	go as.run()
	return as
}

func (as *alarmService) run() {
Loop:
	for {
		select {
		case <-as.ctx.Done():
			break Loop
		case ev, ok := <-as.events:
			if !ok {
				break Loop
			}
			as.handle(ev)
		}
	}
	as.stopAll()
}

func (as *alarmService) handle(ev Event) {
	switch ev.Kind {
	case EventAlarmStart:
		as.start(ev.BathID)
	case EventAlarmStop:
		as.stop(ev.BathID)
	case EventCycleComplete:
		as.notifier.sendNotification(fmt.Sprintf("Bath %d finished", ev.BathID))
	}
}

func (as *alarmService) start(bathID int) {
	as.mu.Lock()
	if _, ok := as.active[bathID]; ok {
		as.mu.Unlock()
		return
	}
	as.active[bathID] = as.clock.AfterFunc(as.duration, func() { as.stop(bathID) })
	as.mu.Unlock()

	as.log.Infow("ALARM: started", "bath", bathID)
	as.toggle(alarmOnCommand(bathID))
	as.notifier.sendNotification(fmt.Sprintf("Bath %d is about to finish", bathID))
}

func (as *alarmService) stop(bathID int) {
	as.mu.Lock()
	timer, ok := as.active[bathID]
	if ok {
		timer.Stop()
		delete(as.active, bathID)
	}
	as.mu.Unlock()
	if !ok {
		return
	}

	as.log.Infow("ALARM: stopped", "bath", bathID)
	as.toggle(alarmOffCommand(bathID))
}

func (as *alarmService) stopAll() {
	as.mu.Lock()
	ids := make([]int, 0, len(as.active))
	for id := range as.active {
		ids = append(ids, id)
	}
	as.mu.Unlock()
	for _, id := range ids {
		as.stop(id)
	}
}

func (as *alarmService) isActive(bathID int) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	_, ok := as.active[bathID]
	return ok
}

// toggle is best effort; a missed alarm command is only logged.
func (as *alarmService) toggle(command string) {
	if as.device == nil {
		return
	}
	ctx := as.ctx
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	if _, err := as.device.Send(ctx, command); err != nil {
		as.log.Warnw("ALARM: device command failed", "command", command, "error", err)
	}
}
