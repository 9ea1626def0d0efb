// Package taskqueue provides the message-transport abstraction used by the
// pipeline stages: keyed topics, partition-ordered delivery, consumer groups
// and manual offset commit tied to handler completion.
package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrMalformed marks payloads that cannot be decoded. Handlers return it
	// (wrapped) to have the message counted and dropped without retry.
	ErrMalformed = errors.New("malformed_message")

	ErrClosed = errors.New("taskqueue_closed")
)

// Message is a single unit of traffic on a topic.
type Message struct {
	Topic     string
	Key       []byte
	Value     []byte
	Partition int
	Offset    int64
}

// Handler processes one message. Returning nil commits the message. A
// retryable error (see Retryable) is retried per the consumer's policy; any
// other error is terminal and the message is dropped after logging.
type Handler func(ctx context.Context, msg Message) error

// Producer publishes keyed messages to a topic. Messages with equal keys land
// on the same partition and are delivered in order.
type Producer interface {
	Send(ctx context.Context, topic string, key, value []byte) error
	Close() error
}

// Consumer delivers messages for one topic and group, partition-ordered, with
// at-least-once semantics: the offset is committed only after the handler
// completes.
type Consumer interface {
	// Run blocks until ctx is canceled, draining in-flight handlers first.
	Run(ctx context.Context, handler Handler) error
	Close() error
}

type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable marks an error as transient so the consumer retry policy applies.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether err was marked with Retryable.
func IsRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// TaskDescriptor describes a queued unit of work. The group id doubles as the
// partition key so tasks for the same group are processed in order.
type TaskDescriptor struct {
	TaskType string    `json:"task_type"`
	GroupID  string    `json:"group_id"`
	Args     []TaskArg `json:"args,omitempty"`
}

// TaskArg is one ordered key-value argument of a task.
type TaskArg struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Arg returns the first argument with the given name.
func (t TaskDescriptor) Arg(name string) (string, bool) {
	for _, a := range t.Args {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// EncodeTask serializes a descriptor for transport.
func EncodeTask(t TaskDescriptor) ([]byte, error) {
	if t.TaskType == "" {
		return nil, fmt.Errorf("task descriptor requires a task type")
	}
	return json.Marshal(t)
}

// DecodeTask parses a descriptor, wrapping decode failures as malformed.
func DecodeTask(value []byte) (TaskDescriptor, error) {
	var t TaskDescriptor
	if err := json.Unmarshal(value, &t); err != nil {
		return TaskDescriptor{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return t, nil
}

// Registry tracks active consumers so shutdown (and rebalance-style
// coordination) can reach all of them.
type Registry struct {
	mu        sync.Mutex
	consumers []Consumer
}

func NewRegistry() *Registry { return &Registry{} }

func (r *Registry) Add(c Consumer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consumers = append(r.consumers, c)
}

// CloseAll closes every registered consumer, keeping the first error.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	for _, c := range r.consumers {
		err = errors.Join(err, c.Close())
	}
	r.consumers = nil
	return err
}
