package appointment

import "errors"

var ErrInvalidStatusTransition = errors.New("invalid status transition")

var transitions = map[Status][]Status{
	StatusPending:          {StatusConfirmed, StatusCancelled},
	StatusConfirmed:        {StatusCompleted, StatusCancelled},
	StatusCompleted:        {StatusAwaitingIssuance},
	StatusAwaitingIssuance: {StatusDocumentReady},
	StatusDocumentReady:    {StatusDocumentDelivered},
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCancelled, StatusCompleted,
		StatusAwaitingIssuance, StatusDocumentReady, StatusDocumentDelivered:
		return true
	}
	return false
}

// Active reports whether the appointment still occupies its slot.
func (s Status) Active() bool {
	return s != StatusCancelled
}

// CanTransition reports whether staff or citizens may move an appointment from -> to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
