// Copyright (C) 2025 Edgegate Systems (oss@edgegate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package control maintains the persistent WebSocket control channel to the
// backend. The channel reconnects with capped exponential backoff, sends
// periodic heartbeats, queues outbound messages while offline, and
// dispatches inbound messages to registered handlers, acknowledging command
// messages on receipt.
package control

import (
	"encoding/json"
	"time"
)

// State is the channel's connection state.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
)

// Well-known message types.
const (
	TypeCommand           = "command"
	TypeAck               = "ack"
	TypeHeartbeat         = "heartbeat"
	TypeHeartbeatResponse = "heartbeat_response"
	TypeCommandResult     = "command_result"
)

// Message is the control channel envelope. Priority runs 1 (highest) to 5.
type Message struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Priority  int             `json:"priority,omitempty"`
}

// ackPayload is the body of the acknowledgement sent for each received
// command message.
type ackPayload struct {
	CommandID string `json:"command_id"`
	Status    string `json:"status"`
}
