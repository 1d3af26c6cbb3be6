package domain

import "time"

// Signal bus channels and the durable stream lifecycle events land on.
const (
	ChannelCommitments = "commitments"
	ChannelOptions     = "options"
	StreamEvents       = "events"
)

// EventType names a lifecycle transition.
type EventType string

const (
	EventCommitmentAccepted EventType = "commitment_accepted"
	EventCommitmentConsumed EventType = "commitment_consumed"
	EventCommitmentRetired  EventType = "commitment_retired"
	EventOptionOpened       EventType = "option_opened"
	EventOptionExercised    EventType = "option_exercised"
	EventOptionLiquidated   EventType = "option_liquidated"
	EventOptionExpired      EventType = "option_expired"
)

// Event is the JSON payload published for each lifecycle transition.
type Event struct {
	Type       EventType      `json:"event"`
	Commitment string         `json:"commitment,omitempty"`
	OptionID   string         `json:"optionId,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}
