package logcollect

import "fmt"

// EventType tags a record stream; each type gets its own sink file.
type EventType uint8

const (
	EventTypeApplication EventType = 1
	EventTypeExperiment  EventType = 2
	EventTypeDebug       EventType = 4
)

func (t EventType) String() string {
	switch t {
	case EventTypeApplication:
		return "Application"
	case EventTypeExperiment:
		return "Experiment"
	case EventTypeDebug:
		return "Debug"
	default:
		return fmt.Sprintf("Type%d", uint8(t))
	}
}
