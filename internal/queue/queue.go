// Package queue abstracts the remote job queues the worker polls. A queue
// hands out messages under a lease: a received message stays invisible to
// other consumers until it is deleted, requeued or its lease runs out.
package queue

import (
	"context"
	"fmt"
	"time"
)

// Priority identifies one of the two job queues.
type Priority int

const (
	High Priority = iota
	Low
)

// Priorities lists every priority in polling preference order.
var Priorities = []Priority{High, Low}

func (p Priority) String() string {
	switch p {
	case High:
		return "high"
	case Low:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// MarshalText lets priorities appear as readable JSON keys and values.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Descriptor is the static description of a queue.
type Descriptor struct {
	Name              string        `json:"name"`
	Address           string        `json:"address"`
	Priority          Priority      `json:"priority"`
	MaxBatch          int           `json:"maxBatch"`
	VisibilityTimeout time.Duration `json:"visibilityTimeout"`
	WaitTime          time.Duration `json:"waitTime"`
}

// Message is a received message. Handle is the opaque token that identifies
// this delivery for delete, requeue and lease extension.
type Message struct {
	Handle   string
	Body     []byte
	Priority Priority
}

// Queue is a leased message queue.
type Queue interface {
	Descriptor() Descriptor
	// Receive returns at most max messages. It may return messages together
	// with an error when the queue failed part way through.
	Receive(ctx context.Context, max int) ([]Message, error)
	Delete(ctx context.Context, handle string) error
	// Requeue makes the message visible to consumers again immediately.
	Requeue(ctx context.Context, handle string) error
	// ExtendVisibility pushes the lease of every handle out by d.
	ExtendVisibility(ctx context.Context, handles []string, d time.Duration) error
}
