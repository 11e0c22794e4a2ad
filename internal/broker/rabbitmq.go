package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"authenticity-platform/internal/scoring"
	"authenticity-platform/pkg/metrics"

	amqp "github.com/rabbitmq/amqp091-go"
)

const confirmTimeout = 10 * time.Second

var ErrUnavailable = errors.New("broker connection is closed")

// RabbitPublisher publishes alert events to a topic exchange with publisher confirms.
type RabbitPublisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *slog.Logger

	healthy   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func NewRabbitPublisher(url, exchange string, l *slog.Logger) (*RabbitPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %q: %w", exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}

	p := &RabbitPublisher{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
		logger:   l,
		done:     make(chan struct{}),
	}
	p.healthy.Store(true)
	metrics.BrokerHealthy.Set(1)

	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chanClosed := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		select {
		case err := <-connClosed:
			p.markDown("rabbitmq connection closed", err)
		case err := <-chanClosed:
			p.markDown("rabbitmq channel closed", err)
		case <-p.done:
		}
	}()

	l.Info("connected to rabbitmq", "exchange", exchange)
	return p, nil
}

func (p *RabbitPublisher) markDown(msg string, err *amqp.Error) {
	p.healthy.Store(false)
	metrics.BrokerHealthy.Set(0)
	p.logger.Warn(msg, "err", err)
}

func (p *RabbitPublisher) IsHealthy() bool { return p.healthy.Load() }

// PublishAlert blocks until the broker acks the message or the confirm times out.
func (p *RabbitPublisher) PublishAlert(ctx context.Context, a scoring.RiskAlert) (err error) {
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.BrokerPublishes.WithLabelValues(result).Inc()
	}()

	if !p.IsHealthy() {
		return ErrUnavailable
	}
	ev := NewAlertEvent(a)
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode alert event: %w", err)
	}

	deferred, err := p.channel.PublishWithDeferredConfirmWithContext(ctx, p.exchange, ev.RoutingKey(), false, false,
		amqp.Publishing{
			Headers:      amqp.Table{"alert_id": a.ID},
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    a.ID,
			Timestamp:    ev.OccurredAt,
			Type:         ev.Type,
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("publish alert event: %w", err)
	}

	timer := time.NewTimer(confirmTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-deferred.Done():
		if !deferred.Acked() {
			return errors.New("alert event nacked by broker")
		}
		return nil
	case <-timer.C:
		return errors.New("publisher confirm timeout")
	}
}

func (p *RabbitPublisher) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		p.healthy.Store(false)
		metrics.BrokerHealthy.Set(0)
		if p.channel != nil {
			err = p.channel.Close()
		}
		if p.conn != nil {
			err = errors.Join(err, p.conn.Close())
		}
	})
	return err
}
