package loader

import (
	"time"

	"github.com/mohammed-shakir/terrain-tile-loader/internal/core/model"
)

type Outcome string

const (
	OutcomeHit     Outcome = "hit"
	OutcomeLoaded  Outcome = "loaded"
	OutcomeFailed  Outcome = "failed"
	OutcomeAborted Outcome = "aborted"
)

// Event describes one settled request or load.
type Event struct {
	Addr        model.TileAddress
	Priority    model.Priority
	Outcome     Outcome
	Bytes       int
	Duration    time.Duration
	Speculative bool
	Err         error
	At          time.Time
}

// EventSink is notified outside the controller lock. Implementations must
// not block.
type EventSink interface {
	TileSettled(Event)
}

type EventSinkFunc func(Event)

func (f EventSinkFunc) TileSettled(e Event) { f(e) }
