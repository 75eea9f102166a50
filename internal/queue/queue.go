// Package queue owns the AMQP topology between the HTTP surface and
// the worker: a durable ingest queue for raw tenant messages and a
// contribute queue for the shareable candidates an ingest produces.
// Every queue comes with a retry queue (TTL dead-lettering back into
// the main queue) and a dead-letter queue for messages that exhaust
// their retry budget.
package queue

import (
	"fmt"
	"time"

	"github.com/mnemon-ai/mnemon/internal/util"
	"github.com/mnemon-ai/mnemon/pkg/logger"

	"github.com/rabbitmq/amqp091-go"
)

const (
	// QueueIngest carries IngestJob payloads from the server.
	QueueIngest = "ingest_queue"
	// QueueContribute carries ContributeJob payloads between worker
	// stages.
	QueueContribute = "contribute_queue"

	retrySuffix = "_retry"
	dlqSuffix   = "_dlq"

	// retryTTL is how long a failed message parks in the retry queue
	// before it dead-letters back into the main queue.
	retryTTL = int32(10000)

	// MaxRetries is the delivery budget before a message moves to the
	// dead-letter queue.
	MaxRetries = 10
)

// Queues lists every main queue the worker consumes.
func Queues() []string {
	return []string{QueueIngest, QueueContribute}
}

// Init dials the broker from the environment. Connection failures are
// fatal; a node without its broker cannot ingest.
func Init() *amqp091.Connection {
	user := util.GetEnv("RABBITMQ_USER")
	pass := util.GetEnv("RABBITMQ_PASSWORD")
	host := util.GetEnv("RABBITMQ_HOST")
	port := util.GetEnv("RABBITMQ_PORT")

	connURL := fmt.Sprintf(
		"amqp://%s:%s@%s:%s/",
		user,
		pass,
		host,
		port,
	)

	conn, err := amqp091.Dial(connURL)
	if err != nil {
		logger.Fatal("Failed to connect to RabbitMQ", "err", err)
	}

	return conn
}

// SetupQueues declares the main, retry and dead-letter queue for every
// name. Declaration is idempotent, so both binaries run it on start.
func SetupQueues(ch *amqp091.Channel, queueNames []string) error {
	for _, name := range queueNames {
		_, err := ch.QueueDeclare(
			name,
			true,  // durable
			false, // autoDelete
			false, // exclusive
			false, // noWait
			nil,   // args
		)
		if err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", name, err)
		}

		dlqName := name + dlqSuffix
		_, err = ch.QueueDeclare(
			dlqName,
			true,
			false,
			false,
			false,
			nil,
		)
		if err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", dlqName, err)
		}

		retryName := name + retrySuffix
		_, err = ch.QueueDeclare(
			retryName,
			true,
			false,
			false,
			false,
			amqp091.Table{
				"x-message-ttl":             retryTTL,
				"x-dead-letter-exchange":    "",
				"x-dead-letter-routing-key": name,
			},
		)
		if err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", retryName, err)
		}
	}

	return nil
}

// PublishFIFO publishes one persistent message onto the named queue.
func PublishFIFO(ch *amqp091.Channel, queueName string, data []byte) error {
	q, err := ch.QueueDeclare(
		queueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return err
	}

	publishing := amqp091.Publishing{
		ContentType:  "application/json",
		Body:         data,
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
	}

	err = ch.Publish(
		"",
		q.Name,
		false,
		false,
		publishing,
	)
	if err != nil {
		return err
	}

	return nil
}

// Retries reads the delivery attempt counter from a message's headers.
func Retries(msg amqp091.Delivery) int {
	if val, ok := msg.Headers["x-retries"]; ok {
		if v, ok := val.(int32); ok {
			return int(v)
		}
	}
	return 0
}

// HandleFailure routes a failed delivery: back through the retry queue
// with its counter advanced, or into the dead-letter queue once the
// budget is spent. The original delivery is acked once the republish
// landed, and nacked back for redelivery when it did not.
func HandleFailure(ch *amqp091.Channel, msg amqp091.Delivery, queueName string) {
	retries := Retries(msg)

	if retries >= MaxRetries {
		dlqName := queueName + dlqSuffix
		logger.Info("[Queue] Sending message to DLQ", "dlq", dlqName)
		pubErr := ch.Publish(
			"",
			dlqName,
			false,
			false,
			amqp091.Publishing{
				ContentType: "application/json",
				Body:        msg.Body,
				Headers:     msg.Headers,
			},
		)
		if pubErr != nil {
			logger.Error("[Queue] Failed to publish to DLQ", "dlq", dlqName, "err", pubErr)
			_ = msg.Nack(false, true)
			return
		}
		_ = msg.Ack(false)
		return
	}

	retryName := queueName + retrySuffix
	headers := msg.Headers
	if headers == nil {
		headers = amqp091.Table{}
	}
	headers["x-retries"] = int32(retries + 1)

	pubErr := ch.Publish(
		"",
		retryName,
		false,
		false,
		amqp091.Publishing{
			ContentType: "application/json",
			Body:        msg.Body,
			Headers:     headers,
		},
	)
	if pubErr != nil {
		logger.Error("[Queue] Failed to publish to retry queue", "retry_queue", retryName, "err", pubErr)
		_ = msg.Nack(false, true)
		return
	}
	_ = msg.Ack(false)
}
