package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"moltmarket/internal/domain"
)

func encode(a domain.Activity) ([]byte, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal activity: %w", err)
	}
	return data, nil
}

// NATSSink publishes to <subject>.<event_type>.
type NATSSink struct {
	conn    *nats.Conn
	subject string
}

func NewNATSSink(url, subject string) (*NATSSink, error) {
	if url == "" || subject == "" {
		return nil, errors.New("nats sink requires url and subject")
	}
	conn, err := nats.Connect(url, nats.Name("moltmarket-activity"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSSink{conn: conn, subject: subject}, nil
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Publish(_ context.Context, a domain.Activity) error {
	data, err := encode(a)
	if err != nil {
		return err
	}
	return s.conn.Publish(s.subject+"."+a.EventType, data)
}

func (s *NATSSink) Close() error {
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
		return err
	}
	return nil
}

// RedisSink publishes to a pub/sub channel.
type RedisSink struct {
	client  *redis.Client
	channel string
}

func NewRedisSink(ctx context.Context, addr, password string, db int, channel string) (*RedisSink, error) {
	if addr == "" || channel == "" {
		return nil, errors.New("redis sink requires addr and channel")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisSink{client: client, channel: channel}, nil
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Publish(ctx context.Context, a domain.Activity) error {
	data, err := encode(a)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, s.channel, data).Err()
}

func (s *RedisSink) Close() error { return s.client.Close() }

// AMQPSink publishes persistent messages to a durable queue on the default exchange.
type AMQPSink struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

func NewAMQPSink(url, queue string) (*AMQPSink, error) {
	if url == "" || queue == "" {
		return nil, errors.New("amqp sink requires url and queue")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return &AMQPSink{conn: conn, ch: ch, queue: queue}, nil
}

func (s *AMQPSink) Name() string { return "amqp" }

func (s *AMQPSink) Publish(ctx context.Context, a domain.Activity) error {
	data, err := encode(a)
	if err != nil {
		return err
	}
	return s.ch.PublishWithContext(ctx, "", s.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    a.ID,
		Type:         a.EventType,
		Timestamp:    time.Now().UTC(),
		Body:         data,
	})
}

func (s *AMQPSink) Close() error {
	return errors.Join(s.ch.Close(), s.conn.Close())
}
