package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// dialChannel connects to the broker, retrying up to MaxConnectRetry times,
// opens a channel and declares every task queue on it. A prefetch of 0 leaves
// the channel's QoS untouched.
func dialChannel(url string, prefetch int) (*amqp.Connection, *amqp.Channel, error) {
	var (
		conn *amqp.Connection
		err  error
	)
	for attempt := 1; attempt <= MaxConnectRetry; attempt++ {
		if conn, err = amqp.Dial(url); err == nil {
			break
		}
		slog.Warn("failed to connect to rabbitmq", "attempt", attempt, "max_attempts", MaxConnectRetry, "error", err)
		if attempt < MaxConnectRetry {
			time.Sleep(RetryDelay)
		}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("unable to connect to rabbitmq after %d attempts: %w", MaxConnectRetry, err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}

	if prefetch > 0 {
		if err := channel.Qos(prefetch, 0, false); err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("failed to set channel qos: %w", err)
		}
	}

	for _, queue := range Queues {
		if _, err := channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("failed to declare rabbitmq queue %s: %w", queue, err)
		}
	}

	slog.Info("connected to rabbitmq", "queues", Queues)
	return conn, channel, nil
}

var _ Publisher = (*RabbitMQPublisher)(nil)

type RabbitMQPublisher struct {
	url string

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel

	closing   chan struct{}
	closeOnce sync.Once
}

func NewRabbitMQPublisher(rabbitMQURL string) (*RabbitMQPublisher, error) {
	conn, channel, err := dialChannel(rabbitMQURL, 0)
	if err != nil {
		return nil, err
	}

	p := &RabbitMQPublisher{url: rabbitMQURL, conn: conn, channel: channel, closing: make(chan struct{})}
	go p.keepAlive(channel)
	return p, nil
}

// keepAlive redials whenever the broker drops the channel. Publishes block
// while a reconnect is in progress.
func (p *RabbitMQPublisher) keepAlive(channel *amqp.Channel) {
	for {
		closed := channel.NotifyClose(make(chan *amqp.Error, 1))

		select {
		case <-p.closing:
			return
		case amqpErr, ok := <-closed:
			if !ok {
				return
			}
			slog.Warn("rabbitmq publisher channel closed, reconnecting", "error", amqpErr)
		}

		p.mu.Lock()
		p.conn, p.channel = nil, nil
		for p.channel == nil {
			conn, next, err := dialChannel(p.url, 0)
			if err == nil {
				p.conn, p.channel, channel = conn, next, next
				break
			}
			select {
			case <-p.closing:
				p.mu.Unlock()
				return
			case <-time.After(RetryDelay * 10):
			}
		}
		p.mu.Unlock()

		slog.Info("rabbitmq publisher reconnected")
	}
}

func (p *RabbitMQPublisher) publish(ctx context.Context, queue string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", queue, err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.channel == nil || p.channel.IsClosed() {
		return fmt.Errorf("rabbitmq channel is closed")
	}

	msg := amqp.Publishing{
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	}

	if err := p.channel.PublishWithContext(ctx, "", queue, false, false, msg); err != nil {
		slog.Error("failed to publish task", "queue", queue, "error", err)
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}

	slog.Debug("published task", "queue", queue, "message_id", msg.MessageId)
	return nil
}

func (p *RabbitMQPublisher) PublishTrainingTask(ctx context.Context, payload TrainingTaskPayload) error {
	return p.publish(ctx, TrainingQueue, payload)
}

func (p *RabbitMQPublisher) PublishEvaluationTask(ctx context.Context, payload EvaluationTaskPayload) error {
	return p.publish(ctx, EvaluationQueue, payload)
}

func (p *RabbitMQPublisher) Close() {
	p.closeOnce.Do(func() {
		close(p.closing)

		p.mu.Lock()
		defer p.mu.Unlock()
		if p.conn == nil {
			return
		}
		if err := p.conn.Close(); err != nil {
			slog.Error("error closing rabbitmq connection", "error", err)
		}
	})
}

type rabbitMQTask struct {
	delivery amqp.Delivery
}

func (t *rabbitMQTask) Type() string {
	return t.delivery.RoutingKey
}

func (t *rabbitMQTask) Payload() []byte {
	return t.delivery.Body
}

func (t *rabbitMQTask) Ack() error {
	return t.delivery.Ack(false)
}

// Nack does not requeue. A failed job has already been marked FAILED and is
// resubmitted through the api.
func (t *rabbitMQTask) Nack() error {
	return t.delivery.Nack(false, false)
}

func (t *rabbitMQTask) Reject() error {
	return t.delivery.Reject(false)
}

var _ Reciever = (*RabbitMQReceiver)(nil)

type RabbitMQReceiver struct {
	url   string
	tasks chan Task

	stop     chan struct{}
	stopOnce sync.Once
}

func NewRabbitMQReceiver(rabbitMQURL string) (*RabbitMQReceiver, error) {
	r := &RabbitMQReceiver{
		url:   rabbitMQURL,
		tasks: make(chan Task),
		stop:  make(chan struct{}),
	}

	conn, channel, deliveries, err := r.subscribe()
	if err != nil {
		return nil, err
	}

	go r.run(conn, channel, deliveries)
	return r, nil
}

// subscribe consumes every task queue with a prefetch of one, since a single
// training task can hold a worker for a long time.
func (r *RabbitMQReceiver) subscribe() (*amqp.Connection, *amqp.Channel, []<-chan amqp.Delivery, error) {
	conn, channel, err := dialChannel(r.url, 1)
	if err != nil {
		return nil, nil, nil, err
	}

	deliveries := make([]<-chan amqp.Delivery, 0, len(Queues))
	for _, queue := range Queues {
		msgs, err := channel.Consume(queue, "", false, false, false, false, nil)
		if err != nil {
			conn.Close()
			return nil, nil, nil, fmt.Errorf("failed to consume from rabbitmq queue %s: %w", queue, err)
		}
		deliveries = append(deliveries, msgs)
	}
	return conn, channel, deliveries, nil
}

func (r *RabbitMQReceiver) run(conn *amqp.Connection, channel *amqp.Channel, deliveries []<-chan amqp.Delivery) {
	for {
		closed := channel.NotifyClose(make(chan *amqp.Error, 1))
		done := make(chan struct{})
		for _, msgs := range deliveries {
			go r.forward(msgs, done)
		}

		select {
		case <-r.stop:
			close(done)
			slog.Info("stopping rabbitmq consumer")
			if err := conn.Close(); err != nil {
				slog.Error("error closing rabbitmq connection", "error", err)
			}
			return
		case amqpErr, ok := <-closed:
			close(done)
			if !ok {
				return
			}
			slog.Warn("rabbitmq consumer channel closed, reconnecting", "error", amqpErr)
			conn.Close()
		}

		for {
			var err error
			if conn, channel, deliveries, err = r.subscribe(); err == nil {
				break
			}
			select {
			case <-r.stop:
				return
			case <-time.After(RetryDelay * 10):
			}
		}
		slog.Info("rabbitmq consumer reconnected")
	}
}

// forward hands deliveries to Tasks until the channel closes or the current
// subscription ends. Unacked deliveries dropped here are redelivered by the
// broker.
func (r *RabbitMQReceiver) forward(msgs <-chan amqp.Delivery, done <-chan struct{}) {
	for d := range msgs {
		select {
		case r.tasks <- &rabbitMQTask{delivery: d}:
		case <-done:
			return
		}
	}
}

func (r *RabbitMQReceiver) Tasks() <-chan Task {
	return r.tasks
}

func (r *RabbitMQReceiver) Close() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
}
