package acquire

import (
	"time"

	"github.com/temoto/vemon/tele"
	"github.com/temoto/vemon/vedirect"
)

const DefaultStaleWindow = 5 * time.Second

type staleState struct {
	seen     bool
	online   bool
	deadline time.Time
}

// Staleness reports category online on first frame after silence
// and offline once per expiry. Never seen category is never reported.
// Not safe for concurrent use, owned by acquisition loop.
type Staleness struct {
	window time.Duration
	sink   tele.Sinker
	states map[vedirect.Category]*staleState
}

func NewStaleness(window time.Duration, sink tele.Sinker) *Staleness {
	if window <= 0 {
		window = DefaultStaleWindow
	}
	s := &Staleness{window: window, sink: sink, states: make(map[vedirect.Category]*staleState, len(vedirect.Categories))}
	for _, c := range vedirect.Categories {
		s.states[c] = &staleState{}
	}
	return s
}

// Rearm records valid frame of category c at now.
func (s *Staleness) Rearm(c vedirect.Category, now time.Time) {
	st := s.state(c)
	if st == nil {
		return
	}
	st.seen = true
	st.deadline = now.Add(s.window)
	if !st.online {
		st.online = true
		s.sink.Online(c, true)
	}
}

// Check reports categories whose window expired at now.
func (s *Staleness) Check(now time.Time) {
	for _, c := range vedirect.Categories {
		st := s.state(c)
		if st.online && !now.Before(st.deadline) {
			st.online = false
			s.sink.Online(c, false)
		}
	}
}

func (s *Staleness) Online(c vedirect.Category) bool {
	st := s.state(c)
	return st != nil && st.online
}

func (s *Staleness) Seen(c vedirect.Category) bool {
	st := s.state(c)
	return st != nil && st.seen
}

func (s *Staleness) state(c vedirect.Category) *staleState {
	return s.states[c]
}
