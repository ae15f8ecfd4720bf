package natsbus

import (
	"log/slog"

	"github.com/agentwire/agentwire/internal/event"
)

// Bridge mirrors every emitted bus event onto NATS: once on the shared
// bus.events.<type> topic, and again on the agent- or session-scoped
// topic when the payload identifies one. Publish failures are logged and
// dropped; event distribution is best-effort by design of the transport.
func Bridge(client *Client, events *event.Emitter) {
	events.SubscribeAll(func(ev event.Event) {
		publish(client, TopicEvent(string(ev.Type)), ev)

		switch p := ev.Payload.(type) {
		case event.AgentPayload:
			publish(client, TopicAgentEvents(p.AgentID), ev)
		case event.MessagePayload:
			if p.Recipient != "" {
				publish(client, TopicAgentEvents(p.Recipient), ev)
			}
		case event.SessionPayload:
			publish(client, TopicSessionEvents(p.SessionID), ev)
		case event.DelegationPayload:
			publish(client, TopicSessionEvents(p.SessionID), ev)
		case event.AggregationPayload:
			if p.SessionID != "" {
				publish(client, TopicSessionEvents(p.SessionID), ev)
			}
		}
	})
}

func publish(client *Client, topic string, ev event.Event) {
	if err := client.PublishJSON(topic, ev); err != nil {
		slog.Warn("event publish failed", "topic", topic, "event", ev.Type, "error", err)
	}
}
