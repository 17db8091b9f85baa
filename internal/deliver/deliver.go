// Package deliver routes outbound pushes to a specific connection. Local
// connections go straight through the hub; connections whose socket lives on
// another node travel as one-shot lazy envelopes over the bus, where the
// owning node's consumer picks them up.
package deliver

import (
	"context"
	"encoding/json"
	"log"

	"livechat-relay/internal/action"
	"livechat-relay/internal/bus"
	"livechat-relay/internal/hub"
	"livechat-relay/internal/model"
)

// Sender delivers one action to one connection.
type Sender interface {
	Send(ctx context.Context, conn model.Connection, out action.Outgoing) error
}

// Router is the standard Sender: hub for this node's connections, lazy
// envelope for everyone else's.
type Router struct {
	Endpoint string
	Hub      *hub.Hub
	Bus      bus.Bus
	Topic    string
}

func (r *Router) Send(ctx context.Context, conn model.Connection, out action.Outgoing) error {
	data, err := action.Marshal(out)
	if err != nil {
		return err
	}
	if conn.Endpoint == r.Endpoint {
		return r.Hub.Send(conn.ID, data)
	}
	envelope, err := json.Marshal(model.LazyDelivery{
		Type:         model.DeliveryTypeLazy,
		ConnectionID: conn.ID,
		Endpoint:     conn.Endpoint,
		Payload:      data,
	})
	if err != nil {
		return err
	}
	return r.Bus.Emit(ctx, r.Topic, envelope)
}

// Consumer drains the lazy topic on one node. Envelopes for connections this
// node does not hold are ignored; every subscribed node sees every envelope,
// and exactly the owner acts on it.
type Consumer struct {
	Endpoint string
	Hub      *hub.Hub
	Logger   *log.Logger
}

// Start registers the consumer on the bus.
func (c *Consumer) Start(b bus.Bus, topic string) {
	logger := c.Logger
	if logger == nil {
		logger = log.Default()
	}
	b.On(topic, func(ctx context.Context, payload []byte) {
		var envelope model.LazyDelivery
		if err := json.Unmarshal(payload, &envelope); err != nil {
			logger.Printf("deliver: bad lazy envelope: %v", err)
			return
		}
		if envelope.Type != model.DeliveryTypeLazy || envelope.Endpoint != c.Endpoint {
			return
		}
		if err := c.Hub.Send(envelope.ConnectionID, envelope.Payload); err != nil {
			logger.Printf("deliver: lazy send to %s failed: %v", envelope.ConnectionID, err)
		}
	})
}
