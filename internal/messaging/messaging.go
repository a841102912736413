package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	PipelineQueue   = "pipeline_queue"
	RetryDelay      = 5 * time.Second
	MaxConnectRetry = 5
)

var ErrQueueClosed = errors.New("queue is closed")

type Task interface {
	Type() string

	Payload() []byte

	Ack() error

	Nack() error

	Reject() error
}

// PipelineTaskPayload asks a worker to execute the steps recorded for a run.
type PipelineTaskPayload struct {
	RunId uuid.UUID
}

type Publisher interface {
	PublishPipelineTask(ctx context.Context, payload PipelineTaskPayload) error

	Close()
}

type Reciever interface {
	Tasks() <-chan Task

	Close()
}
