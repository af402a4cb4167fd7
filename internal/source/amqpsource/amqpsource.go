// Package amqpsource consumes notifications published to an AMQP topic
// exchange and feeds them to the triage service.
//
// Messages are acknowledged only after Ingest returns. Malformed or invalid
// payloads are rejected without requeue; a store outage requeues the
// message so the broker redelivers it once the store is back.
package amqpsource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/hush/internal/triage"
)

const (
	DefaultExchange   = "hush.events"
	DefaultQueue      = "hush.notifications"
	DefaultRoutingKey = "notification.received"
	DefaultPrefetch   = 16

	consumerTag   = "hush"
	minBackoff    = time.Second
	maxBackoff    = 30 * time.Second
	ingestTimeout = 30 * time.Second
)

// Ingester is the subset of *triage.Service the source drives.
type Ingester interface {
	Ingest(ctx context.Context, raw triage.RawNotification) (*triage.IngestResult, error)
}

// Config holds broker settings. Empty fields take the package defaults.
type Config struct {
	URL        string
	Exchange   string
	Queue      string
	RoutingKey string
	Prefetch   int
}

func (c Config) withDefaults() Config {
	if c.Exchange == "" {
		c.Exchange = DefaultExchange
	}
	if c.Queue == "" {
		c.Queue = DefaultQueue
	}
	if c.RoutingKey == "" {
		c.RoutingKey = DefaultRoutingKey
	}
	if c.Prefetch <= 0 {
		c.Prefetch = DefaultPrefetch
	}
	return c
}

// Source is a reconnecting AMQP consumer.
type Source struct {
	cfg    Config
	ing    Ingester
	logger log.Logger
}

// New builds a source. Nothing connects until Run.
func New(cfg Config, ing Ingester, logger log.Logger) *Source {
	if ing == nil {
		panic(xerrors.New("amqpsource: ingester is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Source{cfg: cfg.withDefaults(), ing: ing, logger: logger}
}

// Ping dials the broker and closes the connection again.
func Ping(url string) error {
	conn, err := amqp.Dial(url)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	return conn.Close()
}

// Run consumes until ctx is cancelled, reconnecting with backoff whenever
// the connection or channel drops.
func (s *Source) Run(ctx context.Context) error {
	backoff := minBackoff
	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Warn(ctx, "amqp session ended, reconnecting",
			"error", err,
			"backoff", backoff.String(),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// session runs one connection until it fails or ctx is cancelled.
func (s *Source) session(ctx context.Context) error {
	conn, err := amqp.Dial(s.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := declare(ch, s.cfg); err != nil {
		return err
	}
	if err := ch.Qos(s.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(s.cfg.Queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", s.cfg.Queue, err)
	}
	s.logger.Info(ctx, "amqp source consuming",
		"exchange", s.cfg.Exchange,
		"queue", s.cfg.Queue,
		"routing_key", s.cfg.RoutingKey,
	)

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case aerr := <-closed:
			if aerr == nil {
				return errors.New("connection closed")
			}
			return aerr
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			s.settle(ctx, d)
		}
	}
}

func declare(ch *amqp.Channel, cfg Config) error {
	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", cfg.Queue, err)
	}
	if err := ch.QueueBind(cfg.Queue, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", cfg.Queue, err)
	}
	return nil
}

type disposition int

const (
	ack disposition = iota
	reject
	requeue
)

func (d disposition) String() string {
	switch d {
	case ack:
		return "ack"
	case reject:
		return "reject"
	default:
		return "requeue"
	}
}

func (s *Source) settle(ctx context.Context, d amqp.Delivery) {
	var err error
	switch disp := s.handle(ctx, d.Body); disp {
	case ack:
		err = d.Ack(false)
	case reject:
		err = d.Nack(false, false)
	case requeue:
		err = d.Nack(false, true)
	}
	if err != nil {
		s.logger.Error(ctx, err, "amqp settle failed", "delivery_tag", d.DeliveryTag)
	}
}

// handle ingests one message body and decides how to settle it.
func (s *Source) handle(ctx context.Context, body []byte) (disp disposition) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(ctx, fmt.Errorf("panic: %v", r), "amqp handler panicked")
			disp = reject
		}
	}()

	var raw triage.RawNotification
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		s.logger.Warn(ctx, "dropping malformed amqp notification", "error", err, "bytes", len(body))
		return reject
	}

	ctx, cancel := context.WithTimeout(ctx, ingestTimeout)
	defer cancel()
	res, err := s.ing.Ingest(ctx, raw)
	switch {
	case err == nil:
		s.logger.Info(ctx, "amqp notification ingested", "id", res.ID, "verdict", string(res.Verdict))
		return ack
	case triage.IsValidation(err):
		s.logger.Warn(ctx, "dropping invalid amqp notification", "error", err, "app", raw.App)
		return reject
	case triage.IsUnavailable(err):
		s.logger.Error(ctx, err, "store unavailable, requeueing amqp notification", "app", raw.App)
		return requeue
	default:
		s.logger.Error(ctx, err, "amqp notification ingest failed", "app", raw.App)
		return reject
	}
}
