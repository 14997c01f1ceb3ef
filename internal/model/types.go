package model

import (
	"sort"
	"strings"
)

// SubscriptionRequest is the body of PUT /subscriptions/{id}.
type SubscriptionRequest struct {
	MessageTypes []string `json:"messageTypes"`
}

// Subscription is a subscriber's declared interest.
type Subscription struct {
	ID           string   `json:"id"`
	MessageTypes []string `json:"messageTypes"`
}

// Has reports whether the subscription declares messageType.
func (s Subscription) Has(messageType string) bool {
	for _, t := range s.MessageTypes {
		if t == messageType {
			return true
		}
	}
	return false
}

// Message is the body of POST /messages. MessageBody is a pointer so that a
// missing body can be told apart from an empty one.
type Message struct {
	MessageType string  `json:"messageType"`
	MessageBody *string `json:"messageBody"`
}

// Envelope is what gets published to the broker.
type Envelope struct {
	Body string `json:"body"`
}

// Counters maps message type to the number of messages delivered.
type Counters map[string]uint64

// NormalizeTypes trims, de-duplicates and sorts message types. ok is false
// when the input is empty or contains a blank type.
func NormalizeTypes(types []string) (out []string, ok bool) {
	if len(types) == 0 {
		return nil, false
	}
	seen := make(map[string]struct{}, len(types))
	for _, t := range types {
		t = strings.TrimSpace(t)
		if t == "" {
			return nil, false
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out, true
}
