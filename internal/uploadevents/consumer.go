// ============================================================================
// transcodeq Upload Event Consumer
// ============================================================================
//
// Package: internal/uploadevents
// File: consumer.go
// Purpose: JetStream subscription feeding upload notifications into the
// handler. Manual acks: a handler error NAKs the message so JetStream
// redelivers it, which is safe because the handler is idempotent.
//
// ============================================================================

package uploadevents

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fleetcode/transcodeq/internal/config"
	"github.com/fleetcode/transcodeq/pkg/types"
)

// Consumer owns the NATS connection and the durable subscription.
type Consumer struct {
	cfg     config.Events
	handler *Handler
	log     *zap.Logger

	nc  *nats.Conn
	sub *nats.Subscription
}

// NewConsumer builds an unstarted consumer.
func NewConsumer(cfg config.Events, h *Handler, log *zap.Logger) *Consumer {
	return &Consumer{cfg: cfg, handler: h, log: log}
}

// Start connects and subscribes. Messages are dispatched until Stop.
func (c *Consumer) Start(ctx context.Context) error {
	nc, err := nats.Connect(c.cfg.NATSURL,
		nats.Name("transcodeq-upload-events"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return err
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return err
	}

	sub, err := js.Subscribe(c.cfg.Subject, func(msg *nats.Msg) {
		c.dispatch(ctx, msg)
	}, nats.Durable(c.cfg.Durable), nats.ManualAck())
	if err != nil {
		nc.Close()
		return err
	}

	c.nc = nc
	c.sub = sub
	c.log.Info("upload event consumer started",
		zap.String("subject", c.cfg.Subject),
		zap.String("durable", c.cfg.Durable))
	return nil
}

func (c *Consumer) dispatch(ctx context.Context, msg *nats.Msg) {
	var ev types.UploadEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		// Malformed payloads will never parse; redelivery cannot help.
		c.log.Warn("dropping malformed upload event", zap.Error(err))
		if err := msg.Ack(); err != nil {
			c.log.Warn("ack failed", zap.Error(err))
		}
		return
	}

	if err := c.handler.Handle(ctx, &ev); err != nil {
		c.log.Warn("upload event failed, requesting redelivery",
			zap.String("key", ev.Key),
			zap.Error(err))
		if err := msg.Nak(); err != nil {
			c.log.Warn("nak failed", zap.Error(err))
		}
		return
	}
	if err := msg.Ack(); err != nil {
		c.log.Warn("ack failed", zap.Error(err))
	}
}

// Stop drains the subscription and closes the connection.
func (c *Consumer) Stop() {
	if c.sub != nil {
		if err := c.sub.Drain(); err != nil {
			c.log.Warn("subscription drain failed", zap.Error(err))
		}
	}
	if c.nc != nil {
		c.nc.Close()
	}
}
