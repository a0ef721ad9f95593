// Package redisstream provides a Redis Streams transport. A single stream
// backs the bus; a consumer group gives at-least-once delivery, XACK
// acknowledges, and returned messages are re-added with an incremented
// delivery count; when a dead-letter stream is configured, they overflow to
// it once the count reaches MaxReceives.
package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xsaga"
)

const TransportName = "redisstream"

func init() {
	if err := xsaga.RegisterTransport(TransportName, func(cfg map[string]any, deps xsaga.BackendDeps) (xsaga.Transport, error) {
		return New(ConfigFromMap(cfg), deps)
	}); err != nil {
		panic(fmt.Errorf("xsaga/redisstream: failed to register transport: %w", err))
	}
}

// RawMessage is the transport-specific envelope: the stream entry id plus
// the delivery count observed at read time.
type RawMessage struct {
	StreamID  string
	SeenCount int
}

type transport struct {
	cfg        Config
	client     *redis.Client
	serializer *xsaga.Serializer
	logger     *xlog.Logger
	clock      xclock.Clock
	closed     atomic.Bool

	published    atomic.Uint64
	read         atomic.Uint64
	deadLettered atomic.Uint64
}

var _ xsaga.Transport = (*transport)(nil)

// New connects to Redis and validates the configuration.
func New(cfg Config, deps xsaga.BackendDeps) (xsaga.Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 5,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}

	client := redis.NewClient(opts)
	if err := ping(client); err != nil {
		return nil, err
	}

	return &transport{
		cfg:        cfg,
		client:     client,
		serializer: deps.Serializer,
		logger:     deps.Logger,
		clock:      deps.Clock,
	}, nil
}

// Publish adds an event to the stream.
func (t *transport) Publish(ctx context.Context, event xsaga.Message, attrs xsaga.MessageAttributes) error {
	return t.add(ctx, t.cfg.Stream, event, attrs, 0)
}

// Send adds a command to the stream. Point-to-point vs broadcast is a
// consumer-group concern; the wire path is identical.
func (t *transport) Send(ctx context.Context, command xsaga.Message, attrs xsaga.MessageAttributes) error {
	return t.add(ctx, t.cfg.Stream, command, attrs, 0)
}

func (t *transport) add(ctx context.Context, stream string, msg xsaga.Message, attrs xsaga.MessageAttributes, seenCount int) error {
	payload, err := t.serializer.Serialize(msg)
	if err != nil {
		return err
	}
	vals, err := t.fields(msg.MessageName(), payload, attrs, seenCount)
	if err != nil {
		return err
	}
	return t.xadd(ctx, stream, vals)
}

func (t *transport) fields(name string, payload []byte, attrs xsaga.MessageAttributes, seenCount int) (map[string]any, error) {
	vals := map[string]any{
		fieldName:       name,
		fieldPayload:    payload,
		fieldSeenCount:  strconv.Itoa(seenCount),
		fieldProducedAt: t.clock.Now().UnixNano(),
	}
	if attrs.CorrelationID != "" {
		vals[fieldCorrelationID] = attrs.CorrelationID
	}
	if len(attrs.Attributes) > 0 {
		data, err := t.serializer.Codec().Marshal(attrs.Attributes)
		if err != nil {
			return nil, err
		}
		vals[fieldAttributes] = data
	}
	if len(attrs.StickyAttributes) > 0 {
		data, err := t.serializer.Codec().Marshal(attrs.StickyAttributes)
		if err != nil {
			return nil, err
		}
		vals[fieldSticky] = data
	}
	return vals, nil
}

func (t *transport) xadd(ctx context.Context, stream string, vals map[string]any) error {
	args := &redis.XAddArgs{
		Stream: stream,
		ID:     "*",
		Values: vals,
	}
	if t.cfg.MaxLenApprox > 0 {
		args.MaxLen = t.cfg.MaxLenApprox
		args.Approx = true
	}
	if err := t.client.XAdd(ctx, args).Err(); err != nil {
		return err
	}
	t.published.Add(1)
	return nil
}

// ReadNextMessage reads one new entry for this consumer, blocking up to
// cfg.Block. Returns (nil, nil) when the wait elapses empty.
func (t *transport) ReadNextMessage(ctx context.Context) (*xsaga.TransportMessage, error) {
	if t.closed.Load() {
		return nil, errors.New("redisstream transport is closed")
	}

	res, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    t.cfg.Group,
		Consumer: t.cfg.Consumer,
		Streams:  []string{t.cfg.Stream, ">"},
		Count:    1,
		Block:    t.cfg.Block,
		NoAck:    false,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	for _, stream := range res {
		for _, entry := range stream.Messages {
			t.read.Add(1)
			return t.decodeEntry(entry)
		}
	}
	return nil, nil
}

func (t *transport) decodeEntry(entry redis.XMessage) (*xsaga.TransportMessage, error) {
	getStr := func(k string) string {
		if v, ok := entry.Values[k].(string); ok {
			return v
		}
		return ""
	}

	seen := 0
	if n, err := strconv.Atoi(getStr(fieldSeenCount)); err == nil {
		seen = n
	}
	seen++ // this delivery

	attrs := xsaga.MessageAttributes{CorrelationID: getStr(fieldCorrelationID)}
	if raw := getStr(fieldAttributes); raw != "" {
		attrs.Attributes = map[string]any{}
		if err := t.serializer.Codec().Unmarshal([]byte(raw), &attrs.Attributes); err != nil {
			return nil, err
		}
	}
	if raw := getStr(fieldSticky); raw != "" {
		attrs.StickyAttributes = map[string]any{}
		if err := t.serializer.Codec().Unmarshal([]byte(raw), &attrs.StickyAttributes); err != nil {
			return nil, err
		}
	}

	return &xsaga.TransportMessage{
		ID:         entry.ID,
		Name:       getStr(fieldName),
		Payload:    []byte(getStr(fieldPayload)),
		Attributes: attrs,
		Raw:        &RawMessage{StreamID: entry.ID, SeenCount: seen},
	}, nil
}

// DeleteMessage acknowledges the entry, optionally trimming it from the
// stream.
func (t *transport) DeleteMessage(ctx context.Context, tm *xsaga.TransportMessage) error {
	raw, ok := tm.Raw.(*RawMessage)
	if !ok {
		return fmt.Errorf("foreign transport message %s", tm.ID)
	}
	if err := t.client.XAck(ctx, t.cfg.Stream, t.cfg.Group, raw.StreamID).Err(); err != nil {
		return err
	}
	if t.cfg.AutoDeleteOnAck {
		return t.client.XDel(ctx, t.cfg.Stream, raw.StreamID).Err()
	}
	return nil
}

// ReturnMessage acknowledges the delivered entry and re-adds a copy
// carrying the incremented delivery count, so the message becomes visible
// again. Once the delivery count reaches MaxReceives and DeadLetter is set,
// the copy goes to the dead-letter stream instead; with no DeadLetter the
// copy always goes back to the main stream.
func (t *transport) ReturnMessage(ctx context.Context, tm *xsaga.TransportMessage) error {
	raw, ok := tm.Raw.(*RawMessage)
	if !ok {
		return fmt.Errorf("foreign transport message %s", tm.ID)
	}
	if err := t.client.XAck(ctx, t.cfg.Stream, t.cfg.Group, raw.StreamID).Err(); err != nil {
		return err
	}

	vals, err := t.fields(tm.Name, tm.Payload, tm.Attributes, raw.SeenCount)
	if err != nil {
		return err
	}

	if t.cfg.MaxReceives > 0 && raw.SeenCount >= t.cfg.MaxReceives && t.cfg.DeadLetter != "" {
		t.deadLettered.Add(1)
		t.logger.Warn().
			Str("message", tm.Name).
			Str("id", raw.StreamID).
			Msg("message exceeded max receives, routing to dead letter")
		return t.xadd(ctx, t.cfg.DeadLetter, vals)
	}
	return t.xadd(ctx, t.cfg.Stream, vals)
}

// Start ensures the consumer group exists.
func (t *transport) Start(ctx context.Context) error {
	t.closed.Store(false)
	if !t.cfg.AutoCreate {
		return nil
	}
	err := t.client.XGroupCreateMkStream(ctx, t.cfg.Stream, t.cfg.Group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Stop closes the Redis client.
func (t *transport) Stop(ctx context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.client.Close()
}

func ping(c *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}
	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}
	return nil
}
