package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

func TopicEvent(eventType string) string {
	return fmt.Sprintf("bus.events.%s", eventType)
}

func TopicAgentEvents(agentID string) string {
	return fmt.Sprintf("agent.%s.events", agentID)
}

func TopicSessionEvents(sessionID string) string {
	return fmt.Sprintf("session.%s.events", sessionID)
}

const (
	TopicEventsAll   = "bus.events.>"
	TopicAgentsAll   = "agent.*.events"
	TopicSessionsAll = "session.*.events"
)
