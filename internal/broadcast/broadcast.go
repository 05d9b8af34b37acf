package broadcast

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gawulo/marketplace-api/internal/realtime"
	"github.com/gawulo/marketplace-api/internal/types"
)

// Event type discriminators carried in the envelope
const (
	EventNewOrder    = "new_order"
	EventOrderUpdate = "order_update"
)

// Envelope is the server-to-client event frame: a type discriminator, the
// full serialized order and a wall-clock timestamp.
type Envelope struct {
	Type      string       `json:"type"`
	Order     *types.Order `json:"order"`
	Timestamp string       `json:"timestamp"`
}

// Broadcaster fans committed order changes out to the owning vendor's and
// customer's groups. It is called by the write path after a successful
// commit and never feeds back into it: delivery is at-most-once and any
// failure is swallowed.
type Broadcaster struct {
	layer realtime.Layer
}

// New creates a broadcaster publishing through the given layer. A nil
// layer yields a broadcaster that silently drops everything.
func New(layer realtime.Layer) *Broadcaster {
	return &Broadcaster{layer: layer}
}

// OrderCreated publishes a new_order event to both groups
func (b *Broadcaster) OrderCreated(order *types.Order) {
	b.publish(EventNewOrder, order)
}

// OrderUpdated publishes an order_update event to both groups
func (b *Broadcaster) OrderUpdated(order *types.Order) {
	b.publish(EventOrderUpdate, order)
}

func (b *Broadcaster) publish(event string, order *types.Order) {
	if b == nil || b.layer == nil || order == nil {
		return
	}

	payload, err := json.Marshal(Envelope{
		Type:      event,
		Order:     order,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		log.Debug().Err(err).Str("order_uid", order.OrderUID).Msg("dropping broadcast: marshal failed")
		return
	}

	// Identical payload to both sides; no ordering guarantee between sends
	b.layer.GroupSend(realtime.VendorGroup(order.VendorID), payload)
	b.layer.GroupSend(realtime.CustomerGroup(order.CustomerID), payload)
}
