package call

import (
	"context"
	"log"
	"time"

	"github.com/clinicport/callcore/internal/util"
)

// Presence poll cadence: first probe after 3s, geometric backoff ×1.5,
// capped at 15s, retried indefinitely while still ringing.
const (
	presencePollInitial = 3 * time.Second
	presencePollFactor  = 1.5
	presencePollCeiling = 15 * time.Second
)

// nextPollDelay advances the backoff schedule: 3000 → 4500 → 6750 → … → 15000 ms.
func nextPollDelay(d time.Duration) time.Duration {
	next := time.Duration(float64(d) * presencePollFactor)
	if next > presencePollCeiling {
		return presencePollCeiling
	}
	return next
}

// startWaiting activates the waiting sub-state: a cosmetic 1-second elapsed
// ticker for the UI and the status poll loop against the session API. The two
// timers are independent — the UI tick never causes network traffic.
// Idempotent while already waiting.
func (s *Session) startWaiting() {
	s.mu.Lock()
	if s.waitActive || s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.waitActive = true
	s.waitElapsed = 0
	stop := make(chan struct{})
	s.waitStop = stop
	id := s.id
	s.mu.Unlock()

	log.Printf("CALL [%s]: waiting for peer — polling session status", id)
	s.publish(Event{Type: "waiting", CallID: id, Waiting: true})

	go s.elapsedTick(stop)
	go s.pollLoop(stop)
}

// stopWaiting cancels both timers. Idempotent.
func (s *Session) stopWaiting() {
	s.mu.Lock()
	if !s.waitActive {
		s.mu.Unlock()
		return
	}
	s.waitActive = false
	close(s.waitStop)
	s.waitStop = nil
	id := s.id
	s.mu.Unlock()

	s.publish(Event{Type: "waiting", CallID: id, Waiting: false})
}

// Waiting returns the waiting flag and the cosmetic elapsed-seconds counter.
func (s *Session) Waiting() (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waitActive, s.waitElapsed
}

func (s *Session) elapsedTick(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			s.waitElapsed++
			elapsed := s.waitElapsed
			id := s.id
			s.mu.Unlock()
			s.publish(Event{Type: "waiting", CallID: id, Waiting: true, Elapsed: elapsed})
		}
	}
}

// pollLoop fetches the persisted session on the backoff schedule and routes
// the answer. Fetch errors are transient: they are logged and retried on the
// same schedule, never surfaced.
func (s *Session) pollLoop(stop <-chan struct{}) {
	delay := presencePollInitial
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-s.done:
			return
		case <-timer.C:
		}

		s.mu.Lock()
		id := s.id
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), util.DefaultFetchTimeout)
		rec, err := s.api.Get(ctx, id)
		cancel()
		if err != nil {
			log.Printf("CALL [%s]: status poll failed (will retry): %v", id, err)
		} else if s.routePolledStatus(rec) {
			return
		}

		delay = nextPollDelay(delay)
		timer.Reset(delay)
	}
}

// routePolledStatus applies one poll result. Returns true when polling should
// stop: either the record went active (the accept path carries the state
// forward) or it reached a terminal status, which the poller mirrors locally.
func (s *Session) routePolledStatus(rec *Record) bool {
	switch rec.Status {
	case StatusActive:
		s.stopWaiting()
		return true
	case StatusEnded:
		s.finish(StateEnded, rec.Duration)
		return true
	case StatusRejected:
		s.finish(StateRejected, 0)
		return true
	case StatusCancelled:
		s.finish(StateCancelled, 0)
		return true
	case StatusMissed:
		s.finish(StateMissed, 0)
		return true
	default:
		// initiated / ringing — keep ringing, keep polling.
		return false
	}
}
