package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	TrainingQueue   = "training_queue"
	EvaluationQueue = "evaluation_queue"
	RetryDelay      = 5 * time.Second
	MaxConnectRetry = 5
)

var Queues = []string{TrainingQueue, EvaluationQueue}

var ErrQueueClosed = errors.New("queue is closed")

type Task interface {
	Type() string

	Payload() []byte

	Ack() error

	Nack() error

	Reject() error
}

// TrainingTaskPayload asks a worker to train the stage model recorded under
// ModelId. If RawDir is set the dataset is first split from RawDir into
// DatasetDir.
type TrainingTaskPayload struct {
	ModelId uuid.UUID

	Stage      string
	DatasetDir string
	RawDir     string
	SplitRatio float64
	Seed       int64
	Classes    []string
}

type EvaluationTaskPayload struct {
	EvaluationId uuid.UUID
	ModelId      uuid.UUID

	DatasetDir      string
	SamplesPerClass int
}

type Publisher interface {
	PublishTrainingTask(ctx context.Context, payload TrainingTaskPayload) error

	PublishEvaluationTask(ctx context.Context, payload EvaluationTaskPayload) error

	Close()
}

type Reciever interface {
	Tasks() <-chan Task

	Close()
}
