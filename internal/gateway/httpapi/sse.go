package httpapi

import (
	"github.com/google/uuid"
	"github.com/jkaninda/okapi"

	"github.com/jkaninda/kijenzi/internal/events"
)

// WithEvents enables the SSE run progress endpoint.
func (g *Gateway) WithEvents(broker *events.Broker) *Gateway {
	g.broker = broker
	return g
}

// handleEventStream handles GET /v1/projects/{id}/events/stream with server-sent events.
// Streams run progress until the client disconnects; a terminal run event
// (completed or failed) is followed by a "done" event and closes the stream.
func (g *Gateway) handleEventStream(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid project ID")
	}
	if _, err := g.projects.Get(c.Context(), id); err != nil {
		return g.storageError(c, err)
	}

	sub := g.broker.Subscribe(id)
	defer sub.Close()

	ctx := c.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			c.SSEvent(string(ev.Type), ev)
			if ev.Type.Terminal() {
				c.SSEvent("done", okapi.M{"event_id": ev.EventID})
				return nil
			}
		}
	}
}
