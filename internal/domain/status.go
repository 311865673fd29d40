package domain

type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusAccepted  SessionStatus = "accepted"
	StatusRejected  SessionStatus = "rejected"
	StatusExpired   SessionStatus = "expired"
	StatusAbandoned SessionStatus = "abandoned"
)

// Terminal statuses admit no further transitions. The only field that may
// change on a terminal session is DiscountRedeemed.
var sessionTransitions = map[SessionStatus][]SessionStatus{
	StatusActive: {StatusAccepted, StatusRejected, StatusExpired, StatusAbandoned},
}

func (s SessionStatus) Valid() bool {
	switch s {
	case StatusActive, StatusAccepted, StatusRejected, StatusExpired, StatusAbandoned:
		return true
	}
	return false
}

func (s SessionStatus) IsTerminal() bool {
	return s.Valid() && s != StatusActive
}

func CanTransition(from SessionStatus, to SessionStatus) bool {
	if from == to {
		return false
	}
	for _, allowed := range sessionTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
