// Package transport maintains the persistent subscription channel to a
// node. Messages arrive as multipart frames of topic and JSON payload;
// the router fans them out to in-process subscribers and transparently
// reconnects when the link drops.
package transport

import (
	"encoding/json"
	"time"

	"github.com/nanoflow/nanoflow/internal/nano"
	"github.com/nanoflow/nanoflow/pkg/errors"
)

// Topic identifies a notification stream published by the node.
type Topic string

const (
	TopicConfirmation     Topic = "confirmation"
	TopicVote             Topic = "vote"
	TopicTelemetry        Topic = "telemetry"
	TopicActiveDifficulty Topic = "active_difficulty"
	TopicWork             Topic = "work"
)

// Event is one notification as delivered to a subscriber. Payload is the
// raw JSON frame; typed accessors decode it on demand.
type Event struct {
	Topic      Topic
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// ConfirmationEvent is the payload of a confirmation topic message.
type ConfirmationEvent struct {
	Hash             nano.BlockHash `json:"hash"`
	Account          nano.Account   `json:"account"`
	Amount           nano.Amount    `json:"amount"`
	ConfirmationType string         `json:"confirmation_type"`
}

// TelemetryEvent is the payload of a telemetry topic message. The node
// serializes counters as decimal strings.
type TelemetryEvent struct {
	BlockCount     uint64 `json:"block_count,string"`
	CementedCount  uint64 `json:"cemented_count,string"`
	UncheckedCount uint64 `json:"unchecked_count,string"`
	AccountCount   uint64 `json:"account_count,string"`
	PeerCount      uint32 `json:"peer_count,string"`
	MajorVersion   uint32 `json:"major_version,string"`
	Uptime         uint64 `json:"uptime,string"`
}

// ActiveDifficultyEvent is the payload of an active_difficulty message.
type ActiveDifficultyEvent struct {
	NetworkMinimum        nano.Difficulty `json:"network_minimum"`
	NetworkReceiveMinimum nano.Difficulty `json:"network_receive_minimum"`
}

// Confirmation decodes the event as a confirmation payload.
func (e Event) Confirmation() (ConfirmationEvent, error) {
	var c ConfirmationEvent
	if err := json.Unmarshal(e.Payload, &c); err != nil {
		return ConfirmationEvent{}, errors.Wrap(err, errors.KindProtocol, "transport.decode", "malformed confirmation payload")
	}
	return c, nil
}

// Telemetry decodes the event as a telemetry payload.
func (e Event) Telemetry() (TelemetryEvent, error) {
	var t TelemetryEvent
	if err := json.Unmarshal(e.Payload, &t); err != nil {
		return TelemetryEvent{}, errors.Wrap(err, errors.KindProtocol, "transport.decode", "malformed telemetry payload")
	}
	return t, nil
}

// ActiveDifficulty decodes the event as an active_difficulty payload.
func (e Event) ActiveDifficulty() (ActiveDifficultyEvent, error) {
	var a ActiveDifficultyEvent
	if err := json.Unmarshal(e.Payload, &a); err != nil {
		return ActiveDifficultyEvent{}, errors.Wrap(err, errors.KindProtocol, "transport.decode", "malformed difficulty payload")
	}
	return a, nil
}
