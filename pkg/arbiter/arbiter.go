// Package arbiter discards responses that arrive after a newer request of the
// same kind was dispatched.
package arbiter

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Ticket identifies one dispatched request.
type Ticket struct {
	Kind string
	Seq  uint64
}

type Arbiter struct {
	mu     sync.Mutex
	latest map[string]uint64
}

func New() *Arbiter {
	return &Arbiter{latest: map[string]uint64{}}
}

// Next issues a ticket that supersedes every earlier ticket of the same kind.
func (a *Arbiter) Next(kind string) Ticket {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.latest[kind]++
	return Ticket{Kind: kind, Seq: a.latest[kind]}
}

func (a *Arbiter) IsCurrent(t Ticket) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.latest[t.Kind] == t.Seq
}

// Apply runs fn only if t is still the latest ticket of its kind. fn runs
// under the arbiter lock so no newer ticket can be issued while it applies.
func (a *Arbiter) Apply(t Ticket, fn func()) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.latest[t.Kind] != t.Seq {
		log.Debug().
			Str("kind", t.Kind).
			Uint64("seq", t.Seq).
			Uint64("latest", a.latest[t.Kind]).
			Msg("discarding stale response")
		return false
	}
	fn()
	return true
}
