// Package contracts defines the wire shapes exchanged over the log and the
// reply channel.
package contracts

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"

	"taskbus/src/remoteerr"
)

// Topic name prefixes for events and tasks.
const (
	EventTopicPrefix = "event_"
	TaskTopicPrefix  = "task_"
)

// EventTopic returns the log topic carrying events with the given name.
func EventTopic(name string) string {
	return EventTopicPrefix + name
}

// TaskTopic returns the log topic carrying tasks with the given name.
func TaskTopic(name string) string {
	return TaskTopicPrefix + name
}

// EventRecord is published to an event topic.
type EventRecord struct {
	Data json.RawMessage `json:"data"`
}

// Envelope is published to a task topic.
type Envelope struct {
	// Correlation key, "<taskName>:<random-decimal>".
	Key string `json:"key"`
	// Task payload.
	Data json.RawMessage `json:"data"`
	// Where the worker should push the result. Nil for fire-and-forget tasks.
	ReplyAddress *Address `json:"replyAddress,omitempty"`
}

// ReplyEnvelope is pushed from a worker back to the waiting caller.
// Exactly one of Data and Error is set.
type ReplyEnvelope struct {
	Key   string                     `json:"key"`
	Data  json.RawMessage            `json:"data,omitempty"`
	Error *remoteerr.SerializedError `json:"error,omitempty"`
}

// NewTaskKey returns a fresh correlation key for a task request.
func NewTaskKey(taskName string) string {
	return fmt.Sprintf("%s:%d", taskName, rand.Uint64())
}
