// Copyright 2026 Quadracode
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
// Package fabric implements the durable message fabric: envelopes, per-
// recipient mailbox streams with at-least-once delivery, and dead-letter
// handling. The durable log is Redis streams; an in-memory backend with the
// same contract serves tests.
package fabric

import (
	"encoding/json"
	"time"
)

// Mailbox name prefixes and well-known recipients.
const (
	MailboxPrefix       = "mailbox/"
	RecipientHuman      = "human"
	RecipientSkeptic    = "skeptic"
	RecipientOrch       = "orchestrator"
	RecipientDeadLetter = "dead-letter"
)

// MailboxName returns the stream name for a recipient.
func MailboxName(recipient string) string {
	return MailboxPrefix + recipient
}

// Payload carries the nested envelope fields. It is serialized as a single
// opaque JSON string on the wire and parsed by consumers.
type Payload struct {
	SessionID string   `json:"session_id,omitempty"`
	ThreadID  string   `json:"thread_id,omitempty"`
	TicketID  string   `json:"ticket_id,omitempty"`
	ReplyTo   string   `json:"reply_to,omitempty"`
	Trace     []string `json:"trace,omitempty"`

	// Raw holds the original payload text when parsing failed. A payload
	// with Raw set is poison: the runtime dead-letters the entry instead
	// of failing the read.
	Raw string `json:"_raw,omitempty"`
}

// Malformed reports whether the payload failed parsing.
func (p Payload) Malformed() bool {
	return p.Raw != ""
}

// Envelope is the wire unit exchanged between agents.
type Envelope struct {
	Timestamp time.Time `json:"timestamp"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Message   string    `json:"message"`
	Payload   Payload   `json:"payload"`
}

// NewEnvelope builds an envelope stamped with the current time.
func NewEnvelope(sender, recipient, message string, payload Payload) Envelope {
	return Envelope{
		Timestamp: time.Now().UTC(),
		Sender:    sender,
		Recipient: recipient,
		Message:   message,
		Payload:   payload,
	}
}

// encodePayload serializes the payload to its opaque wire string.
func encodePayload(p Payload) string {
	data, err := json.Marshal(p)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// decodePayload parses the wire string. Malformed input does not fail:
// the returned payload carries the raw text for poison handling. A payload
// is poison when it is not a JSON object or lacks session_id.
func decodePayload(raw string) Payload {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &probe); err != nil || probe == nil {
		return Payload{Raw: raw}
	}
	if _, ok := probe["session_id"]; !ok {
		return Payload{Raw: raw}
	}
	var p Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil || p.SessionID == "" {
		return Payload{Raw: raw}
	}
	return p
}

// wireFields flattens an envelope into stream entry values. Top-level
// fields are scalars; the payload is one opaque JSON string.
func wireFields(env Envelope) map[string]interface{} {
	return map[string]interface{}{
		"timestamp": env.Timestamp.Format(time.RFC3339Nano),
		"sender":    env.Sender,
		"recipient": env.Recipient,
		"message":   env.Message,
		"payload":   encodePayload(env.Payload),
	}
}

// envelopeFromWire rebuilds an envelope from stream entry values.
func envelopeFromWire(values map[string]string) Envelope {
	ts, err := time.Parse(time.RFC3339Nano, values["timestamp"])
	if err != nil {
		ts = time.Time{}
	}
	return Envelope{
		Timestamp: ts,
		Sender:    values["sender"],
		Recipient: values["recipient"],
		Message:   values["message"],
		Payload:   decodePayload(values["payload"]),
	}
}
