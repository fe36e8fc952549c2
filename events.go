package main

import (
	"sync"
)

// subscriberBufferSize bounds each subscriber channel; events beyond it are dropped.
const subscriberBufferSize = 64

// eventBus fans engine events out to subscribers without ever blocking the engine.
type eventBus struct {
	mu          sync.RWMutex
	subscribers []chan Event
}

func (s *eventBus) subscribe() <-chan Event {
	ch := make(chan Event, subscriberBufferSize)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}

func (s *eventBus) emit(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}
