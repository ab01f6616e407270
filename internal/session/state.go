package session

// State is a step of the per-connection lifecycle.
type State int

// Lifecycle states. A session starts in AwaitingRequest and ends in Close.
const (
	AwaitingRequest State = iota
	Parsing
	Validating
	Routing
	Responding
	Continue
	Close
)

func (s State) String() string {
	switch s {
	case AwaitingRequest:
		return "awaiting_request"
	case Parsing:
		return "parsing"
	case Validating:
		return "validating"
	case Routing:
		return "routing"
	case Responding:
		return "responding"
	case Continue:
		return "continue"
	case Close:
		return "close"
	default:
		return "unknown"
	}
}
