package queue

import (
	"fmt"
	"sort"
	"time"
)

// EventKind names a scheduler control signal.
type EventKind int

const (
	// EventRefresh means the set of due events changed.
	EventRefresh EventKind = iota
	// EventWorkerDone means an attempt finished and its result was applied.
	EventWorkerDone
	// EventPaused means dispatch was paused; Reason says why.
	EventPaused
	// EventStop means the scheduler loop exited.
	EventStop
)

func (k EventKind) String() string {
	switch k {
	case EventRefresh:
		return "refresh"
	case EventWorkerDone:
		return "worker_done"
	case EventPaused:
		return "paused"
	case EventStop:
		return "stop"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is a signal on the scheduler's event stream.
type Event struct {
	Kind      EventKind
	MessageID string
	Domain    string
	Reason    string
}

// QueueEvent is one domain of one message that needs the scheduler.
type QueueEvent struct {
	MessageID string
	Domain    int
	Due       time.Time
	Seq       uint64
}

// sortEvents orders events by due time, then enqueue order, then domain.
func sortEvents(evs []QueueEvent) {
	sort.Slice(evs, func(i, j int) bool {
		a, b := evs[i], evs[j]
		if !a.Due.Equal(b.Due) {
			return a.Due.Before(b.Due)
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return a.Domain < b.Domain
	})
}
