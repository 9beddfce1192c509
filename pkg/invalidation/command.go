// Package invalidation applies cache-control commands received from a message
// broker to a resolver, so that other processes can clear or refresh cached
// identifiers remotely.
package invalidation

import (
	"encoding/json"
	"fmt"
	"time"
)

// Op is a cache-control operation.
type Op string

const (
	// OpClear removes the named identifiers, or everything when none are named.
	OpClear Op = "clear"
	// OpRefresh clears the named identifiers, or every cached one, so that they
	// are fetched again on their next registration.
	OpRefresh Op = "refresh"
)

// Command is the JSON payload of an invalidation message.
type Command struct {
	Op  Op       `json:"op"`
	IDs []string `json:"ids,omitempty"`
}

// CacheController is the cache-control surface a Listener drives.
type CacheController interface {
	ClearCache(ids ...string) error
	RefreshCache(ids ...string) error
}

// Message is a broker-agnostic invalidation message with its acknowledgment
// handles.
type Message struct {
	ID          string
	Payload     []byte
	Attributes  map[string]string
	PublishTime time.Time

	// Ack signals that the message was handled and must not be redelivered.
	Ack func()
	// Nack signals that handling failed and the message should be redelivered.
	Nack func()
}

// ParseCommand decodes and validates a command payload.
func ParseCommand(payload []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return Command{}, fmt.Errorf("decode invalidation command: %w", err)
	}
	switch cmd.Op {
	case OpClear, OpRefresh:
	default:
		return Command{}, fmt.Errorf("unknown invalidation op %q", cmd.Op)
	}
	for _, id := range cmd.IDs {
		if id == "" {
			return Command{}, fmt.Errorf("invalidation command contains an empty id")
		}
	}
	return cmd, nil
}

// Apply runs the command against a controller.
func (c Command) Apply(ctrl CacheController) error {
	switch c.Op {
	case OpClear:
		return ctrl.ClearCache(c.IDs...)
	case OpRefresh:
		return ctrl.RefreshCache(c.IDs...)
	default:
		return fmt.Errorf("unknown invalidation op %q", c.Op)
	}
}
