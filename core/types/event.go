package types

// Event is the flattened, string-attributed form of a vault event handed to
// journals, metrics and websocket subscribers.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
