package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// scriptedSender fails each command the configured number of times before
// succeeding. A negative count fails forever.
type scriptedSender struct {
	mu       sync.Mutex
	failures map[string]int
	calls    map[string]int
	order    []string
	delay    time.Duration

	retrying    int
	maxRetrying int
	sending     int
	maxSending  int
}

func newScriptedSender(failures map[string]int) *scriptedSender {
	return &scriptedSender{failures: failures, calls: make(map[string]int)}
}

func (s *scriptedSender) Send(ctx context.Context, command string) (*CommandResult, error) {
	s.mu.Lock()
	s.calls[command]++
	attempt := s.calls[command]
	s.order = append(s.order, command)
	s.sending++
	if s.sending > s.maxSending {
		s.maxSending = s.sending
	}
	if attempt > 1 {
		s.retrying++
		if s.retrying > s.maxRetrying {
			s.maxRetrying = s.retrying
		}
	}
	fail := s.failures[command]
	s.mu.Unlock()

	time.Sleep(s.delay)

	s.mu.Lock()
	s.sending--
	if attempt > 1 {
		s.retrying--
	}
	s.mu.Unlock()

	if fail < 0 || attempt <= fail {
		return nil, errors.Mark(errors.Newf("%s: connection refused", command), ErrCommandFailed)
	}
	return &CommandResult{Success: true}, nil
}

func (s *scriptedSender) count(command string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[command]
}

func newTestDispatcher(t *testing.T, s sender) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return newDispatcher(ctx, s, nil, zap.NewNop().Sugar())
}

func TestDispatcher_SucceedsFirstTime(t *testing.T) {
	s := newScriptedSender(nil)
	d := newTestDispatcher(t, s)

	d.Dispatch("relay1on", 1, true)
	d.Wait()
	assert.Equal(t, 1, s.count("relay1on"))
	assert.Equal(t, 0, d.Pending())
}

func TestDispatcher_RetriesUntilSuccess(t *testing.T) {
	s := newScriptedSender(map[string]int{"R2DOWN": 2})
	d := newTestDispatcher(t, s)

	d.Dispatch("R2DOWN", 2, true)
	assert.Eventually(t, func() bool {
		return s.count("R2DOWN") == 3 && d.Pending() == 0
	}, time.Second, 5*time.Millisecond)

	assert.Never(t, func() bool { return s.count("R2DOWN") > 3 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestDispatcher_ExhaustionDoesNotBlockOtherBaths(t *testing.T) {
	s := newScriptedSender(map[string]int{"relay1off": -1, "relay2off": 1})
	d := newTestDispatcher(t, s)

	d.Dispatch("relay1off", 1, true)
	d.Wait()
	d.Dispatch("relay2off", 2, true)

	assert.Eventually(t, func() bool {
		return s.count("relay1off") == criticalAttempts && s.count("relay2off") == 2 && d.Pending() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestDispatcher_RetriesAreSerialised(t *testing.T) {
	s := newScriptedSender(map[string]int{"R1DOWN": -1, "R2DOWN": -1, "R3DOWN": 2})
	s.delay = 5 * time.Millisecond
	d := newTestDispatcher(t, s)

	d.Dispatch("R1DOWN", 1, true)
	d.Dispatch("R2DOWN", 2, true)
	d.Dispatch("R3DOWN", 3, true)

	assert.Eventually(t, func() bool {
		return s.count("R1DOWN") == 3 && s.count("R2DOWN") == 3 && s.count("R3DOWN") == 3 && d.Pending() == 0
	}, 2*time.Second, 5*time.Millisecond)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, 1, s.maxRetrying, "only one retry may be in flight")

	// each task finishes before the next one starts
	var retries []string
	seen := map[string]int{}
	for _, cmd := range s.order {
		seen[cmd]++
		if seen[cmd] > 1 {
			retries = append(retries, cmd)
		}
	}
	require.Len(t, retries, 6)
	for i := 0; i < len(retries); i += 2 {
		assert.Equal(t, retries[i], retries[i+1])
	}
}

func TestDispatcher_SequencesKeepOrder(t *testing.T) {
	s := newScriptedSender(nil)
	s.delay = 2 * time.Millisecond
	d := newTestDispatcher(t, s)

	d.DispatchSequence([]pendingCommand{{"R1DOWN", 1}, {"R1DOWN", 1}, {"R2DOWN", 2}})
	d.DispatchSequence([]pendingCommand{{"relay1off", 1}})
	d.Dispatch("relay2off", 2, true)
	d.DispatchSequence(nil)
	d.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, []string{"R1DOWN", "R1DOWN", "R2DOWN", "relay1off", "relay2off"}, s.order)
	assert.Equal(t, 1, s.maxSending, "first attempts must not overlap")
}

func TestDispatcher_FailedStepRetriedAfterSequence(t *testing.T) {
	s := newScriptedSender(map[string]int{"R1DOWN": 1})
	d := newTestDispatcher(t, s)

	d.DispatchSequence([]pendingCommand{{"R1DOWN", 1}, {"relay1off", 1}})
	assert.Eventually(t, func() bool {
		return s.count("R1DOWN") == 2 && d.Pending() == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, s.count("relay1off"))
}

func TestDispatcher_StoppedDropsNewCommands(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := newScriptedSender(nil)
	d := newDispatcher(ctx, s, nil, zap.NewNop().Sugar())
	cancel()

	assert.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.closed
	}, time.Second, 5*time.Millisecond)
	d.Dispatch("relay1on", 1, true)
	d.Wait()
	assert.Equal(t, 0, s.count("relay1on"))
}

func TestDispatcher_NonCriticalFailureIsNotQueued(t *testing.T) {
	s := newScriptedSender(map[string]int{"R4UP": -1})
	d := newTestDispatcher(t, s)

	d.Dispatch("R4UP", 4, false)
	d.Wait()
	assert.Equal(t, 0, d.Pending())
	assert.Never(t, func() bool { return s.count("R4UP") > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestDispatcher_SendReturnsError(t *testing.T) {
	s := newScriptedSender(map[string]int{"R1UP": -1})
	d := newTestDispatcher(t, s)

	err := d.Send(context.Background(), "R1UP", 1)
	assert.True(t, errors.Is(err, ErrCommandFailed))
	assert.NoError(t, d.Send(context.Background(), "R1DOWN", 1))
	assert.Equal(t, 0, d.Pending())
	assert.Equal(t, 1, s.count("R1UP"))
}

func TestDispatcher_EngineCountsOnceAcrossRetries(t *testing.T) {
	s := newScriptedSender(map[string]int{"R2DOWN": 2})
	d := newTestDispatcher(t, s)
	engine := newEngine(DefaultEngineConfig(), d, nil, zaptest.NewLogger(t).Sugar())

	require.NoError(t, engine.SetDuration(2, 301))
	require.NoError(t, engine.UpdateAmperageCount(2, 3))
	require.NoError(t, engine.Start(2))
	engine.Tick()

	assert.Eventually(t, func() bool {
		return s.count("R2DOWN") == 3 && d.Pending() == 0
	}, time.Second, 5*time.Millisecond)

	b, err := engine.Bath(2)
	require.NoError(t, err)
	assert.Equal(t, 2, b.AmperageCount)
}
