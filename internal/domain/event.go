package domain

import "github.com/ethereum/go-ethereum/common"

// EventsChannel is the bus channel and stream carrying settlement events.
const EventsChannel = "games"

// EventType names a settlement event.
type EventType string

const (
	EventGameCreated  EventType = "game_created"
	EventBetPlaced    EventType = "bet_placed"
	EventGameResolved EventType = "game_resolved"
	EventWithdrawn    EventType = "withdrawn"
	EventGameClosed   EventType = "game_closed"
	EventGameArchived EventType = "game_archived"
)

// Event is published after each successful settlement operation.
type Event struct {
	Type       EventType       `json:"type"`
	GameID     uint64          `json:"game_id"`
	PositionID string          `json:"position_id,omitempty"`
	Owner      *common.Address `json:"owner,omitempty"`
	Side       string          `json:"side,omitempty"`
	Amount     uint64          `json:"amount,omitempty"`
	State      string          `json:"state,omitempty"`
	At         int64           `json:"at"`
}
