// Package events publishes device registry changes to NATS so that other
// services can follow which device is exported to whom.
//
// Subjects are "<prefix>.device.<event>", for example
// "dittousb.device.exported". Payloads are JSON encoded Message values.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/marmos91/dittousb/internal/logger"
	"github.com/marmos91/dittousb/pkg/registry"
)

// DefaultSubjectPrefix is used when Config.SubjectPrefix is empty.
const DefaultSubjectPrefix = "dittousb"

// Config configures the NATS publisher.
type Config struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
	URL           string `mapstructure:"url" validate:"required_if=Enabled true" yaml:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix" yaml:"subject_prefix"`

	// ServerName is reported in every message to tell exporters apart.
	ServerName string `mapstructure:"server_name" yaml:"server_name"`
}

// Message is the payload of a device event.
type Message struct {
	Event     string    `json:"event"`
	Server    string    `json:"server,omitempty"`
	BusID     string    `json:"busid"`
	SessionID string    `json:"session_id,omitempty"`
	DevID     uint32    `json:"devid,omitempty"`
	VendorID  string    `json:"vendor_id,omitempty"`
	ProductID string    `json:"product_id,omitempty"`
	Product   string    `json:"product,omitempty"`
	Time      time.Time `json:"time"`
}

// Conn is the part of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Publisher turns registry events into NATS messages.
type Publisher struct {
	conn   Conn
	nc     *nats.Conn // owned connection, nil when built with NewPublisher
	prefix string
	server string

	published atomic.Uint64
	failed    atomic.Uint64
}

// Connect dials NATS and returns a publisher owning the connection.
func Connect(cfg Config) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("events: NATS url is required")
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("dittousb"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", logger.Err(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("events: connect to %s: %w", cfg.URL, err)
	}

	p := NewPublisher(nc, cfg)
	p.nc = nc
	return p, nil
}

// NewPublisher creates a publisher on an existing connection. The caller
// keeps ownership of conn.
func NewPublisher(conn Conn, cfg Config) *Publisher {
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Publisher{conn: conn, prefix: prefix, server: cfg.ServerName}
}

// Subject returns the subject an event type is published on.
func (p *Publisher) Subject(t registry.EventType) string {
	return p.prefix + ".device." + t.String()
}

// Observe implements registry.Observer. Publish failures are logged and
// counted, never returned to the registry.
func (p *Publisher) Observe(ev registry.Event) {
	if err := p.Publish(ev); err != nil {
		p.failed.Add(1)
		logger.Warn("Failed to publish device event",
			"event", ev.Type.String(), logger.BusID(ev.BusID), logger.Err(err))
	}
}

// Publish sends one event.
func (p *Publisher) Publish(ev registry.Event) error {
	data, err := json.Marshal(p.message(ev))
	if err != nil {
		return fmt.Errorf("events: encode: %w", err)
	}
	if err := p.conn.Publish(p.Subject(ev.Type), data); err != nil {
		return fmt.Errorf("events: publish: %w", err)
	}
	p.published.Add(1)
	return nil
}

func (p *Publisher) message(ev registry.Event) Message {
	m := Message{
		Event:     ev.Type.String(),
		Server:    p.server,
		BusID:     ev.BusID,
		SessionID: ev.SessionID,
		Time:      ev.Time.UTC(),
	}
	if d := ev.Device; d != nil {
		m.DevID = d.DevID()
		m.VendorID = fmt.Sprintf("%04x", d.VendorID)
		m.ProductID = fmt.Sprintf("%04x", d.ProductID)
		m.Product = d.Product
	}
	return m
}

// Stats returns how many events were published and how many failed.
func (p *Publisher) Stats() (published, failed uint64) {
	return p.published.Load(), p.failed.Load()
}

// Close flushes and closes the connection if the publisher owns it.
func (p *Publisher) Close() error {
	if p.nc == nil {
		return nil
	}
	err := p.nc.Flush()
	p.nc.Close()
	if err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("events: flush: %w", err)
	}
	return nil
}
