// Package queue dispatches job descriptors over RabbitMQ with
// at-least-once delivery.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/telescribe/telescribe/config"
	"github.com/telescribe/telescribe/logging/logger"
)

// JobMessage is the descriptor published for asynchronous processing.
// It never carries audio bytes; the worker re-fetches media by ref.
type JobMessage struct {
	JobID                string  `json:"job_id"`
	UserID               int64   `json:"user_id"`
	ChatID               int64   `json:"chat_id"`
	StatusMessageID      int     `json:"status_message_id"`
	AudioRef             string  `json:"audio_ref"`
	FileType             string  `json:"file_type"`
	DurationSeconds      float64 `json:"duration_seconds"`
	DiarizationRequested bool    `json:"diarization_requested"`
}

// Queue represents the RabbitMQ job transport.
type Queue struct {
	conn *amqp.Connection
	cfg  *config.RabbitMQ
	mu   sync.Mutex
}

// Connect dials RabbitMQ.
func Connect(cfg *config.RabbitMQ) (*Queue, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	return &Queue{conn: conn, cfg: cfg}, nil
}

// IsConnected checks if the RabbitMQ connection is valid
func (q *Queue) IsConnected() bool {
	return q.conn != nil && !q.conn.IsClosed()
}

// ensureExchangeAndQueue ensures exchange and queue exist and are bound
func (q *Queue) ensureExchangeAndQueue(ch *amqp.Channel) error {
	err := ch.ExchangeDeclare(
		q.cfg.Exchange, // exchange name
		"topic",        // exchange type
		true,           // durable
		false,          // auto-delete
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	queue, err := ch.QueueDeclare(
		q.cfg.Queue, // queue name
		true,        // durable
		false,       // delete when unused
		false,       // exclusive
		false,       // no-wait
		nil,         // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	err = ch.QueueBind(
		queue.Name,     // queue name
		q.cfg.Queue,    // routing key
		q.cfg.Exchange, // exchange
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	return nil
}

// PublishJob publishes a job descriptor with publisher confirmation.
func (q *Queue) PublishJob(ctx context.Context, msg *JobMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.IsConnected() {
		return fmt.Errorf("rabbitmq connection is not available")
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal job message: %w", err)
	}

	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer func() {
		_ = ch.Close()
	}()

	if err = q.ensureExchangeAndQueue(ch); err != nil {
		return err
	}

	if err = ch.Confirm(false); err != nil {
		return fmt.Errorf("failed to put channel in confirm mode: %w", err)
	}

	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	timeout := q.cfg.PublishTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	pubCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err = ch.PublishWithContext(
		pubCtx,
		q.cfg.Exchange, // exchange
		q.cfg.Queue,    // routing key
		true,           // mandatory
		false,          // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	select {
	case confirmed, ok := <-confirms:
		if !ok {
			return fmt.Errorf("confirmation channel closed")
		}
		if !confirmed.Ack {
			return fmt.Errorf("failed to receive publish confirmation")
		}
	case <-time.After(timeout):
		return fmt.Errorf("publish confirmation timed out after %v", timeout)
	}

	return nil
}

// ConsumeJobs consumes job descriptors one at a time with manual acks.
// Messages are acked after the handler returns even on handler error:
// failed jobs are terminal and the claim check guards redelivery.
func (q *Queue) ConsumeJobs(ctx context.Context, handler func(context.Context, *JobMessage) error) error {
	if !q.IsConnected() {
		return fmt.Errorf("rabbitmq connection is not available")
	}

	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := q.ensureExchangeAndQueue(ch); err != nil {
		_ = ch.Close()
		return err
	}

	err = ch.Qos(
		1,     // prefetch count
		0,     // prefetch size
		false, // global
	)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := ch.Consume(
		q.cfg.Queue, // queue
		"",          // consumer (empty means auto-generated)
		false,       // auto-ack (set to false for manual ack)
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	go func() {
		defer func() {
			_ = ch.Close()
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-msgs:
				if !ok {
					return
				}

				var msg JobMessage
				if err := json.Unmarshal(d.Body, &msg); err != nil {
					logger.Errorf(ctx, "failed to decode job message: %v", err)
					_ = d.Ack(false)
					continue
				}

				if err := handler(ctx, &msg); err != nil {
					logger.Errorf(ctx, "failed to process job %s: %v", msg.JobID, err)
				}

				if err := d.Ack(false); err != nil {
					logger.Errorf(ctx, "failed to acknowledge job %s: %v", msg.JobID, err)
				}
			}
		}
	}()

	return nil
}

// Close closes the RabbitMQ connection.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.IsConnected() {
		return nil
	}

	if err := q.conn.Close(); err != nil {
		return fmt.Errorf("failed to close rabbitmq connection: %w", err)
	}
	return nil
}
