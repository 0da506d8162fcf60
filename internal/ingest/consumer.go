package ingest

import (
	"context"
	"errors"

	"Deskwire/internal/channel"
	"Deskwire/internal/dispatch"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Consumer feeds the read-only ingestion channel: it pulls provider payloads
// (parsed inbound email) off a topic, normalizes them through the channel
// adapter, and dispatches them like any other inbound message. The provider
// message id doubles as the idempotency token, so redelivered records are
// absorbed by the pipeline.
type Consumer struct {
	reader   *kafkago.Reader
	adapter  channel.Adapter
	pipeline *dispatch.Pipeline
	logger   *zap.Logger
}

func NewConsumer(brokers []string, topic, groupID string, adapter channel.Adapter, pipeline *dispatch.Pipeline, logger *zap.Logger) *Consumer {
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &Consumer{
		reader:   r,
		adapter:  adapter,
		pipeline: pipeline,
		logger:   logger,
	}
}

// Run consumes until ctx is cancelled. Poison records are logged and skipped;
// an unreadable feed ends the loop with the error.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("ingest consumer starting", zap.String("channel", c.adapter.Channel()))

	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		req, err := c.adapter.Normalize(m.Value)
		if err != nil {
			c.logger.Warn("skipping unparseable ingest record",
				zap.String("topic", m.Topic),
				zap.Int64("offset", m.Offset),
				zap.Error(err),
			)
			continue
		}

		if _, err := c.pipeline.Dispatch(ctx, req); err != nil {
			switch {
			case errors.Is(err, dispatch.ErrConversationClosed):
				// Mail into a closed conversation is dropped by policy; the
				// contact's reply never reopens a conversation on its own.
				c.logger.Info("ingest message rejected, conversation closed",
					zap.String("token", req.ClientToken))
			case errors.Is(err, dispatch.ErrReconciliationConflict):
				c.logger.Warn("ingest record conflicts with stored message",
					zap.String("token", req.ClientToken))
			default:
				c.logger.Error("ingest dispatch failed",
					zap.Int64("offset", m.Offset),
					zap.Error(err),
				)
			}
		}
	}
}

// Close releases the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
