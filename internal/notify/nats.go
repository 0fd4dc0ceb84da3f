package notify

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/logger"
)

const DefaultSubjectPrefix = "posture.alerts"

// NATSConfig configures the alert bus publisher
type NATSConfig struct {
	URL           string
	SubjectPrefix string // Events go to <prefix>.triggered and <prefix>.corrected
	ClientName    string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// NATSPublisher publishes alert messages as JSON
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	log    logger.ModuleLogger
}

// ConnectNATS dials the server. Reconnects are unlimited; publishes while
// disconnected are buffered by the client library.
func ConnectNATS(cfg NATSConfig) (*NATSPublisher, error) {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	log := logger.Named("NATS")

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("Disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("Reconnected to %s", c.ConnectedUrl())
		}),
	}
	if cfg.ClientName != "" {
		opts = append(opts, nats.Name(cfg.ClientName))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}
	log.Info("Connected to %s, publishing on %s.*", conn.ConnectedUrl(), cfg.SubjectPrefix)

	return &NATSPublisher{conn: conn, prefix: strings.TrimSuffix(cfg.SubjectPrefix, "."), log: log}, nil
}

// Subject returns the subject for a message
func (p *NATSPublisher) Subject(msg Message) string {
	return subjectFor(p.prefix, msg)
}

func subjectFor(prefix string, msg Message) string {
	return prefix + "." + string(msg.Kind)
}

// Publish implements Publisher
func (p *NATSPublisher) Publish(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.conn.Publish(p.Subject(msg), data)
}

// Close flushes pending messages and closes the connection
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
