package reproject

import "fmt"

type State int32

const (
	NotStarted State = iota
	Running
	Completed
	Cancelled
	Failed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not started"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}
