package entities

type Status string

const (
	StatusCreated              Status = "Created"
	StatusSent                 Status = "Sent"
	StatusGatewayAccepted      Status = "GatewayAccepted"
	StatusGatewayRejected      Status = "GatewayRejected"
	StatusAwaitingConfirmation Status = "AwaitingConfirmation"
	StatusConfirmed            Status = "Confirmed"
	StatusFailed               Status = "Failed"
	StatusExpired              Status = "Expired"
)

// transitions lists the allowed target statuses for every non-terminal
// status. AwaitingConfirmation may be re-entered.
var transitions = map[Status][]Status{
	StatusCreated:              {StatusSent, StatusFailed},
	StatusSent:                 {StatusConfirmed, StatusFailed, StatusAwaitingConfirmation, StatusExpired},
	StatusAwaitingConfirmation: {StatusConfirmed, StatusFailed, StatusAwaitingConfirmation, StatusExpired},
}

func (s Status) IsTerminal() bool {
	switch s {
	case StatusConfirmed, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusSent, StatusGatewayAccepted, StatusGatewayRejected,
		StatusAwaitingConfirmation, StatusConfirmed, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// CanTransition reports whether a record in status from may move to status to.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Sources returns every status from which "to" is reachable. Stores that
// apply transitions with a conditional write use it as their filter.
func Sources(to Status) []Status {
	var out []Status
	for from, targets := range transitions {
		for _, t := range targets {
			if t == to {
				out = append(out, from)
			}
		}
	}
	return out
}
