// Package ingest consumes deposit confirmations from the payment
// gateway via NATS JetStream and applies them to wallets.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"coinvest/internal/domain"
	"coinvest/internal/metrics"
	"coinvest/internal/store"
)

const (
	// StreamName is the JetStream stream name for deposit events.
	StreamName = "COINVEST_DEPOSITS"
	// SubjectPrefix is the NATS subject prefix for deposit events.
	SubjectPrefix = "coinvest.deposits."
	// SubjectWildcard subscribes to all deposit subjects.
	SubjectWildcard = "coinvest.deposits.>"
	// ConsumerName is the durable consumer name.
	ConsumerName = "coinvest-deposit-consumer"
)

// Consumer subscribes to deposit events via NATS JetStream.
type Consumer struct {
	nc     *nats.Conn
	store  store.Store
	logger zerolog.Logger
}

// NewConsumer creates a new NATS deposit consumer.
func NewConsumer(nc *nats.Conn, st store.Store) *Consumer {
	return &Consumer{
		nc:     nc,
		store:  st,
		logger: log.With().Str("component", "ingest").Logger(),
	}
}

// Start begins consuming deposit events. Blocks until context is
// cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	js, err := jetstream.New(c.nc)
	if err != nil {
		return fmt.Errorf("create jetstream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     StreamName,
		Subjects: []string{SubjectWildcard},
		Storage:  jetstream.FileStorage,
		MaxBytes: 100 * 1024 * 1024, // 100MB
	})
	if err != nil {
		return fmt.Errorf("create stream: %w", err)
	}

	cons, err := js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Durable:       ConsumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
	})
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}

	c.logger.Info().Msg("started consuming deposit events from NATS JetStream")

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		if err := c.handleMessage(ctx, msg); err != nil {
			c.logger.Error().Err(err).
				Str("subject", msg.Subject()).
				Msg("failed to handle deposit message")
			// NAK for redelivery on store errors
			msg.Nak()
			return
		}
		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	<-ctx.Done()
	cc.Stop()
	c.logger.Info().Msg("stopped consuming deposit events")
	return nil
}

func (c *Consumer) handleMessage(ctx context.Context, msg jetstream.Msg) error {
	var event DepositEvent
	if err := json.Unmarshal(msg.Data(), &event); err != nil {
		c.logger.Warn().Err(err).
			Str("subject", msg.Subject()).
			Msg("failed to unmarshal deposit event, rejecting")
		// Terminate, malformed messages should not be redelivered
		msg.Term()
		return nil
	}

	if err := event.Validate(); err != nil {
		c.logger.Warn().Err(err).
			Str("deposit_id", event.DepositID).
			Str("subject", msg.Subject()).
			Msg("invalid deposit event, rejecting")
		msg.Term()
		return nil
	}

	if event.Status == DepositFailed {
		return c.handleFailed(ctx, &event)
	}

	entry, err := event.ToEntry()
	if err != nil {
		c.logger.Warn().Err(err).
			Str("deposit_id", event.DepositID).
			Msg("failed to convert deposit event, rejecting")
		msg.Term()
		return nil
	}

	credited, err := c.store.CreditIfAbsent(ctx, entry)
	if err != nil {
		return fmt.Errorf("credit deposit: %w", err)
	}

	if credited {
		metrics.DepositsIngested.WithLabelValues(DepositConfirmed).Inc()
		c.logger.Info().
			Str("deposit_id", event.DepositID).
			Str("user_id", event.UserID).
			Str("currency", event.Currency).
			Str("amount", event.Amount).
			Msg("ingested deposit")
	} else {
		c.logger.Debug().
			Str("deposit_id", event.DepositID).
			Msg("duplicate deposit, skipped")
	}
	return nil
}

// handleFailed flips the matching pending entry to failed. A failed
// event with no matching entry is informational only.
func (c *Consumer) handleFailed(ctx context.Context, event *DepositEvent) error {
	err := c.store.SetLedgerEntryStatus(ctx, event.EntryID(), domain.EntryFailed)
	switch {
	case err == nil:
		metrics.DepositsIngested.WithLabelValues(DepositFailed).Inc()
		c.logger.Info().
			Str("deposit_id", event.DepositID).
			Msg("deposit marked failed")
		return nil
	case domain.IsNotFound(err), domain.IsValidation(err):
		c.logger.Debug().
			Str("deposit_id", event.DepositID).
			Msg("failed deposit has no pending entry, skipped")
		return nil
	default:
		return fmt.Errorf("mark deposit failed: %w", err)
	}
}

// ConnectNATS connects to NATS with retry logic. Credentials may be
// supplied inline or as a file path.
func ConnectNATS(urls string, credsFile, creds string) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("coinvest"),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected to NATS")
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("disconnected from NATS")
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	if creds != "" {
		tmpFile, err := os.CreateTemp("", "nats-creds-*.creds")
		if err != nil {
			return nil, fmt.Errorf("create temp credentials file: %w", err)
		}
		if _, err := tmpFile.WriteString(creds); err != nil {
			tmpFile.Close()
			os.Remove(tmpFile.Name())
			return nil, fmt.Errorf("write credentials: %w", err)
		}
		tmpFile.Close()
		opts = append(opts, nats.UserCredentials(tmpFile.Name()))
	} else if credsFile != "" {
		opts = append(opts, nats.UserCredentials(credsFile))
	}

	var nc *nats.Conn
	var err error
	backoff := 100 * time.Millisecond
	maxBackoff := 30 * time.Second

	for attempt := 1; ; attempt++ {
		nc, err = nats.Connect(urls, opts...)
		if err == nil {
			log.Info().Str("url", nc.ConnectedUrl()).Int("attempt", attempt).Msg("connected to NATS")
			return nc, nil
		}

		log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).
			Msg("failed to connect to NATS, retrying...")
		time.Sleep(backoff)

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
