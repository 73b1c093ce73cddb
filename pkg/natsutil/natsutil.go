// Package natsutil provides typed JSON publish/subscribe helpers over NATS
// with OpenTelemetry trace propagation through message headers.
package natsutil

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// RetryCountHeader tracks redelivery attempts on a message.
const RetryCountHeader = "X-Retry-Count"

// headerCarrier adapts nats.Msg headers for the OTel TextMapCarrier.
type headerCarrier nats.Msg

func (c *headerCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *headerCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *headerCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

// Publisher is the slice of *nats.Conn that Publish needs.
type Publisher interface {
	PublishMsg(*nats.Msg) error
}

// Publish serializes v as JSON and publishes it with the given headers
// (nil is fine). Trace context from ctx is injected into the headers.
func Publish[T any](ctx context.Context, nc Publisher, subject string, v T, hdr nats.Header) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("natsutil: marshal %s message: %w", subject, err)
	}
	msg := &nats.Msg{Subject: subject, Data: data, Header: hdr}
	otel.GetTextMapPropagator().Inject(ctx, (*headerCarrier)(msg))
	return nc.PublishMsg(msg)
}

// Delivery is a decoded message plus its headers.
type Delivery[T any] struct {
	Value   T
	Headers nats.Header
}

// RetryCount reads the redelivery counter header, zero when absent.
func (d Delivery[T]) RetryCount() int {
	if d.Headers == nil {
		return 0
	}
	n, _ := strconv.Atoi(d.Headers.Get(RetryCountHeader))
	return n
}

// Subscribe registers a handler for JSON messages of type T. Trace context
// is extracted from headers. Malformed messages are dropped.
func Subscribe[T any](nc *nats.Conn, subject string, handler func(context.Context, Delivery[T])) (*nats.Subscription, error) {
	return nc.Subscribe(subject, decode(handler))
}

// QueueSubscribe is Subscribe with queue-group load balancing across workers.
func QueueSubscribe[T any](nc *nats.Conn, subject, queue string, handler func(context.Context, Delivery[T])) (*nats.Subscription, error) {
	return nc.QueueSubscribe(subject, queue, decode(handler))
}

func decode[T any](handler func(context.Context, Delivery[T])) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var v T
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			return
		}
		ctx := otel.GetTextMapPropagator().Extract(context.Background(), (*headerCarrier)(msg))
		handler(ctx, Delivery[T]{Value: v, Headers: msg.Header})
	}
}
