package election

import "time"

type State int

const (
	Init State = iota
	Suppress
	Announce
	Listen
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case Suppress:
		return "suppress"
	case Announce:
		return "announce"
	case Listen:
		return "listen"
	default:
		return "unknown"
	}
}

// Record is the priority tuple carried by an Announce.
type Record struct {
	Generation uint64
	StartTime  time.Time
	ID         string
}

// Outranks reports whether remote has priority over local. Generation is
// compared first (higher wins), then start time (earlier wins), then id
// (greater wins).
func Outranks(remote, local Record) bool {
	if remote.Generation != local.Generation {
		return remote.Generation > local.Generation
	}
	if !remote.StartTime.Equal(local.StartTime) {
		return remote.StartTime.Before(local.StartTime)
	}
	return remote.ID > local.ID
}

// Status is a point-in-time view handed to observers.
type Status struct {
	State  State
	Leader string
	Self   string
}

func (s Status) IsLeader() bool {
	return s.State == Announce
}

// LeaderKnown reports whether the believed leader is a confirmed remote or
// self acting as coordinator.
func (s Status) LeaderKnown() bool {
	return s.State == Announce || s.State == Listen
}
