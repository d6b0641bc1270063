package model

// WSMessageType represents the type of WebSocket message pushed to surfaces.
type WSMessageType string

const (
	MessageTypeBotUpsert    WSMessageType = "bot_upsert"
	MessageTypeBotRemoved   WSMessageType = "bot_removed"
	MessageTypeStatusUpdate WSMessageType = "status_update"
	MessageTypePong         WSMessageType = "pong"
)

// WSMessage is the envelope for all WebSocket messages.
type WSMessage struct {
	Type    WSMessageType `json:"type"`
	Payload interface{}   `json:"payload,omitempty"`
}

// WSBotPayload carries a bot snapshot for upsert notifications.
type WSBotPayload struct {
	Bot Bot `json:"bot"`
}

// WSBotRemovedPayload identifies a bot that left the registry.
type WSBotRemovedPayload struct {
	BotID string `json:"bot_id"`
}

// WSStatusPayload carries a run-state change.
type WSStatusPayload struct {
	BotID  string    `json:"bot_id"`
	Status BotStatus `json:"status"`
}
