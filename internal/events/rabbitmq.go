package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	routingEmail   = "notification.email"
	routingMessage = "notification.message"
)

// AMQPPublisher publishes appointment events and outbound notifications to a
// topic exchange.
type AMQPPublisher struct {
	conn     *amqp.Connection
	mu       sync.Mutex // guards channel
	channel  *amqp.Channel
	exchange string
	logger   zerolog.Logger
}

func NewAMQPPublisher(url, exchange string, logger zerolog.Logger) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq connect: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}

	if err := declareExchange(channel, exchange); err != nil {
		channel.Close()
		conn.Close()
		return nil, err
	}

	return &AMQPPublisher{
		conn:     conn,
		channel:  channel,
		exchange: exchange,
		logger:   logger.With().Str("component", "events.publisher").Logger(),
	}, nil
}

func declareExchange(ch *amqp.Channel, exchange string) error {
	err := ch.ExchangeDeclare(
		exchange,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, ev AppointmentChanged) error {
	return p.publishJSON(ctx, ev.RoutingKey(), ev)
}

type emailNotification struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type messageNotification struct {
	Phone string `json:"phone"`
	Body  string `json:"body"`
}

// SendEmail hands a rendered email to the delivery service behind the exchange.
func (p *AMQPPublisher) SendEmail(ctx context.Context, to, subject, body string) error {
	return p.publishJSON(ctx, routingEmail, emailNotification{To: to, Subject: subject, Body: body})
}

// SendMessage hands a rendered text message to the messaging gateway.
func (p *AMQPPublisher) SendMessage(ctx context.Context, phone, body string) error {
	return p.publishJSON(ctx, routingMessage, messageNotification{Phone: phone, Body: body})
}

func (p *AMQPPublisher) publishJSON(ctx context.Context, routingKey string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", routingKey, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(ctx,
		p.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	p.logger.Debug().Str("routing_key", routingKey).Msg("published")
	return nil
}

func (p *AMQPPublisher) Close() error {
	if p == nil || p.channel == nil {
		return nil
	}
	if err := p.channel.Close(); err != nil {
		return err
	}
	return p.conn.Close()
}

// Handler reacts to one appointment event. A returned error requeues it.
type Handler func(ctx context.Context, ev AppointmentChanged) error

// Listener consumes appointment events from a durable queue bound to the exchange.
type Listener struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	queue    string
	logger   zerolog.Logger
}

func NewListener(url, exchange, queue string, logger zerolog.Logger) (*Listener, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq connect: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}

	if err := declareExchange(channel, exchange); err != nil {
		channel.Close()
		conn.Close()
		return nil, err
	}

	return &Listener{
		conn:     conn,
		channel:  channel,
		exchange: exchange,
		queue:    queue,
		logger:   logger.With().Str("component", "events.listener").Str("queue", queue).Logger(),
	}, nil
}

// Start declares and binds the queue, then consumes until ctx is done.
func (l *Listener) Start(ctx context.Context, handle Handler) error {
	queue, err := l.channel.QueueDeclare(
		l.queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", l.queue, err)
	}

	err = l.channel.QueueBind(
		queue.Name,
		appointmentRoutingPrefix+"#",
		l.exchange,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("bind queue %s: %w", l.queue, err)
	}

	msgs, err := l.channel.Consume(
		queue.Name,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", l.queue, err)
	}

	l.logger.Info().Msg("listening for appointment events")

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					l.logger.Warn().Msg("delivery channel closed")
					return
				}
				l.process(ctx, msg, handle)
			}
		}
	}()

	return nil
}

func (l *Listener) process(ctx context.Context, msg amqp.Delivery, handle Handler) {
	ev, err := decode(msg.Body)
	if err != nil {
		l.logger.Error().Err(err).Str("routing_key", msg.RoutingKey).Msg("dropping malformed event")
		_ = msg.Nack(false, false)
		return
	}

	if err := handle(ctx, ev); err != nil {
		l.logger.Error().Err(err).Str("appointment", ev.AppointmentID.String()).Msg("event handler failed")
		_ = msg.Nack(false, true) // requeue message
		return
	}
	_ = msg.Ack(false)
}

func (l *Listener) Stop() error {
	if l == nil || l.channel == nil {
		return nil
	}
	if err := l.channel.Close(); err != nil {
		return err
	}
	return l.conn.Close()
}
