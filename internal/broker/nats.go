// Package broker carries tracker traffic over NATS: session commands, device
// fixes, store change notifications and session snapshots.
package broker

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Handler receives one message.
type Handler func(subject string, data []byte)

// Subscription is an active interest that can be withdrawn.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the publish/subscribe surface the rest of the service depends on.
type Bus interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, h Handler) (Subscription, error)
}

type Metrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

type NATSBroker struct {
	nc          *nats.Conn
	log         *slog.Logger
	logSubjects bool
	metrics     Metrics
}

func Connect(url, name string, logSubjects bool, logger *slog.Logger, m Metrics) (*NATSBroker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			logger.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return &NATSBroker{nc: nc, log: logger, logSubjects: logSubjects, metrics: m}, nil
}

func (b *NATSBroker) Close() {
	if b.nc != nil {
		_ = b.nc.Drain()
		b.nc.Close()
	}
}

func (b *NATSBroker) Publish(subject string, data []byte) error {
	if b.logSubjects {
		b.log.Debug("nats publish", "subject", subject, "bytes", len(data))
	}
	start := time.Now()
	err := b.nc.Publish(subject, data)
	if b.metrics != nil {
		b.metrics.PublishObserve(time.Since(start))
		if err != nil {
			b.metrics.NATSPublishErrInc()
		} else {
			b.metrics.NATSPublishedInc()
		}
	}
	return err
}

func (b *NATSBroker) Subscribe(subject string, h Handler) (Subscription, error) {
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		h(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// PublishJSON marshals v and publishes it on subject.
func PublishJSON(b Bus, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Publish(subject, data)
}
