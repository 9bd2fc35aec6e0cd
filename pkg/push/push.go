// Package push contains the public domain models, interfaces, and error
// taxonomy for the push relay. It defines the contract for interacting
// with the service.
package push

import (
	"encoding/json"
)

// Token is an opaque bearer identifier for one client/user across devices.
type Token = string

// Message is one stored notification instance. Body carries the raw JSON
// payload exactly as it was posted; read receipts are ordinary messages
// whose body has the reserved shape {"read": <key>}.
type Message struct {
	Key       string          `json:"key"`
	Timestamp int64           `json:"timestamp"` // unix milliseconds
	Queue     string          `json:"queue"`
	Body      json.RawMessage `json:"body"`
}

// EdgeNode is a registered connection-holding server. Load is set by the
// node itself, e.g. from its live connection count.
type EdgeNode struct {
	Addr string `json:"addr"`
	Load int    `json:"load"`
}
