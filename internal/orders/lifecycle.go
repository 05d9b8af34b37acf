package orders

import (
	"fmt"

	"github.com/gawulo/marketplace-api/internal/types"
)

// Transition tables per delivery type. Delivery orders move through
// Shipped/Delivered, pickup orders through Ready/PickedUp; the two
// workflows never share those states. Cancellation is allowed from any
// non-terminal state, and Delivered, PickedUp, Cancelled and Refunded are
// terminal.
var deliveryTransitions = map[types.Status][]types.Status{
	types.StatusPending:    {types.StatusConfirmed, types.StatusCancelled},
	types.StatusConfirmed:  {types.StatusProcessing, types.StatusCancelled},
	types.StatusProcessing: {types.StatusShipped, types.StatusCancelled},
	types.StatusShipped:    {types.StatusDelivered, types.StatusCancelled},
	types.StatusDelivered:  {},
	types.StatusCancelled:  {},
	types.StatusRefunded:   {},
}

var pickupTransitions = map[types.Status][]types.Status{
	types.StatusPending:    {types.StatusConfirmed, types.StatusCancelled},
	types.StatusConfirmed:  {types.StatusProcessing, types.StatusCancelled},
	types.StatusProcessing: {types.StatusReady, types.StatusCancelled},
	types.StatusReady:      {types.StatusPickedUp, types.StatusCancelled},
	types.StatusPickedUp:   {},
	types.StatusCancelled:  {},
	types.StatusRefunded:   {},
}

// TransitionError reports a rejected status change, naming the invalid
// pair and the allowed successor set.
type TransitionError struct {
	Current   types.Status
	Requested types.Status
	Allowed   []types.Status
}

func (e *TransitionError) Error() string {
	if e.Current == types.StatusRefunded {
		return "refunds cannot be reversed"
	}
	return fmt.Sprintf("cannot transition from %s to %s (allowed: %v)", e.Current, e.Requested, e.Allowed)
}

// AllowedTransitions returns the legal successor statuses for the given
// current status under the given delivery type.
func AllowedTransitions(current types.Status, deliveryType types.DeliveryType) []types.Status {
	if deliveryType == types.DeliveryTypePickup {
		return pickupTransitions[current]
	}
	return deliveryTransitions[current]
}

// ValidateTransition decides whether a requested status change is legal.
// Requesting the current status again is an idempotent re-submission and
// always succeeds. Refunded is irreversible regardless of delivery type.
// The function has no side effects; rejections come back as a
// *TransitionError, never a panic.
func ValidateTransition(current, requested types.Status, deliveryType types.DeliveryType) error {
	if requested == current {
		return nil
	}

	if current == types.StatusRefunded {
		return &TransitionError{Current: current, Requested: requested}
	}

	allowed := AllowedTransitions(current, deliveryType)
	for _, status := range allowed {
		if status == requested {
			return nil
		}
	}

	return &TransitionError{Current: current, Requested: requested, Allowed: allowed}
}
