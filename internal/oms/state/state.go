// Package state implements the order lifecycle as a pure transition
// function: given a current state and an event, it returns the next state
// or an error if the event is not valid from that state. It has no
// knowledge of the database, the exchange, or the bus — callers own
// persisting the result.
package state

import "fmt"

// OrderState is a position in the order lifecycle.
type OrderState string

const (
	// Staged is a group leg (bracket take-profit/stop-loss) waiting on a
	// sibling leg to fill before it is activated into Pending and queued
	// for submission. It never reaches the exchange directly.
	Staged           OrderState = "staged"
	Pending          OrderState = "pending"
	Submitted        OrderState = "submitted"
	Acknowledged     OrderState = "acknowledged"
	PartiallyFilled  OrderState = "partially_filled"
	Filled           OrderState = "filled"
	PendingCancel    OrderState = "pending_cancel"
	PendingAmend     OrderState = "pending_amend"
	PendingDecrease  OrderState = "pending_decrease"
	Cancelled        OrderState = "cancelled"
	Rejected         OrderState = "rejected"
	Expired          OrderState = "expired"
)

// IsTerminal reports whether no further transitions are allowed.
func (s OrderState) IsTerminal() bool {
	switch s {
	case Filled, Cancelled, Rejected, Expired:
		return true
	default:
		return false
	}
}

// IsOpen reports whether an order in this state still contributes to open
// risk notional.
func (s OrderState) IsOpen() bool {
	switch s {
	case Pending, Submitted, Acknowledged, PartiallyFilled, PendingCancel, PendingAmend, PendingDecrease:
		return true
	default:
		return false
	}
}

// EventKind identifies the shape of an OrderEvent.
type EventKind string

const (
	EventSubmit        EventKind = "submit"
	EventAcknowledge   EventKind = "acknowledge"
	EventReject        EventKind = "reject"
	EventPartialFill   EventKind = "partial_fill"
	EventFill          EventKind = "fill"
	EventCancelRequest  EventKind = "cancel_request"
	EventCancelConfirm  EventKind = "cancel_confirm"
	EventAmendRequest   EventKind = "amend_request"
	EventAmendConfirm   EventKind = "amend_confirm"
	EventAmendReject    EventKind = "amend_reject"
	EventDecreaseRequest EventKind = "decrease_request"
	EventDecreaseConfirm EventKind = "decrease_confirm"
	EventDecreaseReject  EventKind = "decrease_reject"
	EventExpire         EventKind = "expire"
	EventActivate       EventKind = "activate"
)

// OrderEvent is a single input to the state machine. Fields beyond Kind are
// carried for audit logging; the transition table only branches on Kind and
// the current state.
type OrderEvent struct {
	Kind             EventKind
	ExchangeOrderID  string
	Reason           string
	FilledQty        int32
}

func (e OrderEvent) String() string { return string(e.Kind) }

// TransitionError reports an event that is not valid from a given state.
type TransitionError struct {
	From   OrderState
	Event  string
	Reason string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s on event %s: %s", e.From, e.Event, e.Reason)
}

// ApplyEvent is the pure state-machine core: no I/O, no side effects.
func ApplyEvent(current OrderState, event OrderEvent) (OrderState, error) {
	if current.IsTerminal() {
		return "", &TransitionError{From: current, Event: event.String(), Reason: "order is in terminal state"}
	}

	switch {
	case current == Staged && event.Kind == EventActivate:
		return Pending, nil

	case current == Pending && event.Kind == EventSubmit:
		return Submitted, nil
	case current == Pending && event.Kind == EventReject:
		return Rejected, nil

	case current == Submitted && event.Kind == EventAcknowledge:
		return Acknowledged, nil
	case current == Submitted && event.Kind == EventReject:
		return Rejected, nil
	case current == Submitted && event.Kind == EventFill:
		return Filled, nil
	case current == Submitted && event.Kind == EventPartialFill:
		return PartiallyFilled, nil

	case current == Acknowledged && event.Kind == EventPartialFill:
		return PartiallyFilled, nil
	case current == Acknowledged && event.Kind == EventFill:
		return Filled, nil
	case current == Acknowledged && event.Kind == EventCancelRequest:
		return PendingCancel, nil
	case current == Acknowledged && event.Kind == EventAmendRequest:
		return PendingAmend, nil
	case current == Acknowledged && event.Kind == EventDecreaseRequest:
		return PendingDecrease, nil
	case current == Acknowledged && event.Kind == EventExpire:
		return Expired, nil

	case current == PartiallyFilled && event.Kind == EventFill:
		return Filled, nil
	case current == PartiallyFilled && event.Kind == EventPartialFill:
		return PartiallyFilled, nil
	case current == PartiallyFilled && event.Kind == EventCancelRequest:
		return PendingCancel, nil
	case current == PartiallyFilled && event.Kind == EventAmendRequest:
		return PendingAmend, nil
	case current == PartiallyFilled && event.Kind == EventDecreaseRequest:
		return PendingDecrease, nil

	case current == PendingCancel && event.Kind == EventCancelConfirm:
		return Cancelled, nil
	case current == PendingCancel && event.Kind == EventFill:
		// A fill can win the race against an in-flight cancel.
		return Filled, nil
	case current == PendingCancel && event.Kind == EventPartialFill:
		// Stay in PendingCancel so the cancel intent survives a partial
		// fill; filled_quantity is updated separately by the caller.
		return PendingCancel, nil

	case current == PendingAmend && event.Kind == EventAmendConfirm:
		return Acknowledged, nil
	case current == PendingAmend && event.Kind == EventAmendReject:
		return Acknowledged, nil
	case current == PendingAmend && event.Kind == EventFill:
		return Filled, nil
	case current == PendingAmend && event.Kind == EventPartialFill:
		return PendingAmend, nil

	case current == PendingDecrease && event.Kind == EventDecreaseConfirm:
		return Acknowledged, nil
	case current == PendingDecrease && event.Kind == EventDecreaseReject:
		return Acknowledged, nil
	case current == PendingDecrease && event.Kind == EventFill:
		return Filled, nil
	case current == PendingDecrease && event.Kind == EventPartialFill:
		return PendingDecrease, nil

	default:
		return "", &TransitionError{
			From:   current,
			Event:  event.String(),
			Reason: fmt.Sprintf("event %s not valid in state %s", event, current),
		}
	}
}

// ExchangeOrderState is the exchange's own view of an order, used during
// recovery and reconciliation to resolve a local state that fell out of
// sync (e.g. the process crashed between submit and the first ack).
type ExchangeOrderState string

const (
	ExchangeResting  ExchangeOrderState = "resting"
	ExchangeExecuted ExchangeOrderState = "executed"
	ExchangeCancelled ExchangeOrderState = "cancelled"
	ExchangeNotFound ExchangeOrderState = "not_found"
)

// ResolveExchangeState returns the deterministic local state to apply given
// the exchange's reported state, or ok=false when the pairing needs special
// handling by the caller (PendingCancel+Resting: the cancel must be
// re-sent, since the exchange never received it).
func ResolveExchangeState(local OrderState, exchange ExchangeOrderState) (OrderState, bool) {
	switch {
	case local == Submitted && exchange == ExchangeResting:
		return Acknowledged, true
	case local == Submitted && exchange == ExchangeExecuted:
		return Filled, true
	case local == Submitted && exchange == ExchangeNotFound:
		return Rejected, true
	case local == Submitted && exchange == ExchangeCancelled:
		return Cancelled, true
	case local == PendingCancel && exchange == ExchangeCancelled:
		return Cancelled, true
	case local == PendingCancel && exchange == ExchangeExecuted:
		return Filled, true
	case local == PendingCancel && exchange == ExchangeNotFound:
		return Cancelled, true
	default:
		return "", false
	}
}
