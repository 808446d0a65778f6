package supervisor

import (
	"github.com/bilal/switchify-netmon/internal/protocol"
	"github.com/bilal/switchify-netmon/internal/registry"
)

// Action is what the dispatch loop does in response to one message.
type Action int

const (
	NoAction Action = iota
	SendMonitor
	SendSetLinkUp
	RecordReport
	Ignore
	CloseDone
	CloseViolation
)

func (a Action) String() string {
	switch a {
	case NoAction:
		return "none"
	case SendMonitor:
		return "send_monitor"
	case SendSetLinkUp:
		return "send_set_link_up"
	case RecordReport:
		return "record_report"
	case Ignore:
		return "ignore"
	case CloseDone:
		return "close_done"
	case CloseViolation:
		return "close_violation"
	default:
		return "unknown"
	}
}

type Step struct {
	Action Action
	Next   registry.State
}

// transition is the supervisor side of the protocol. While draining every
// connection is treated as AwaitingDoneOrReport.
func transition(state registry.State, kind protocol.Kind, draining bool) Step {
	if draining && state < registry.AwaitingDoneOrReport {
		state = registry.AwaitingDoneOrReport
	}

	if kind == protocol.Done {
		return Step{CloseDone, registry.Closed}
	}

	switch state {
	case registry.AwaitingReady:
		if kind == protocol.Ready {
			return Step{SendMonitor, registry.AwaitingHandshakeAck}
		}

	case registry.AwaitingHandshakeAck:
		if kind == protocol.Monitoring {
			return Step{NoAction, registry.Monitoring}
		}

	case registry.Monitoring:
		switch kind {
		case protocol.Report:
			return Step{RecordReport, registry.Monitoring}
		case protocol.LinkDown:
			return Step{SendSetLinkUp, registry.Monitoring}
		}

	case registry.AwaitingDoneOrReport:
		switch kind {
		case protocol.Report:
			return Step{RecordReport, registry.AwaitingDoneOrReport}
		case protocol.Ready, protocol.Monitoring, protocol.LinkDown:
			return Step{Ignore, registry.AwaitingDoneOrReport}
		}
	}

	return Step{CloseViolation, registry.Closed}
}
