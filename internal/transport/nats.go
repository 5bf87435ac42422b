package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/capitalize-ai/marketplace-sync/internal/model"
	"github.com/capitalize-ai/marketplace-sync/pkg/logger"
	"github.com/capitalize-ai/marketplace-sync/pkg/metrics"
)

// NATSConfig holds NATS connection configuration.
type NATSConfig struct {
	URL      string
	CAFile   string
	CertFile string
	KeyFile  string
	Token    string

	// SubjectPrefix namespaces channel subjects: <prefix>.<channel>.
	SubjectPrefix string

	// Authorizer is consulted before every subscription.
	Authorizer Authorizer
}

// NATS is a Transport over a NATS connection. Each channel maps to one
// subject carrying JSON envelopes.
type NATS struct {
	cfg      NATSConfig
	logger   *logger.Logger
	notifier *StateNotifier

	mu   sync.Mutex
	conn *nats.Conn
	subs map[string]*natsChannel
}

type natsChannel struct {
	*boundChannel
	sub *nats.Subscription
}

var _ Transport = (*NATS)(nil)

// NewNATS creates a disconnected NATS transport.
func NewNATS(cfg NATSConfig, log *logger.Logger) *NATS {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "chan"
	}
	return &NATS{
		cfg:      cfg,
		logger:   log,
		notifier: NewStateNotifier(StateDisconnected),
		subs:     make(map[string]*natsChannel),
	}
}

// Connect establishes the connection. The client reconnects forever on
// its own; state changes are broadcast through the notifier.
func (t *NATS) Connect(ctx context.Context) error {
	t.setState(StateConnecting)

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			t.logger.Warn("NATS disconnected", zap.Error(err))
			t.setState(StateDisconnected)
		}),
		nats.ConnectHandler(func(nc *nats.Conn) {
			t.logger.Info("NATS connected", zap.String("url", nc.ConnectedUrl()))
			t.setState(StateConnected)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			t.logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
			t.setState(StateConnected)
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			t.setState(StateDisconnected)
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			t.logger.Error("NATS error", zap.String("subject", subject), zap.Error(err))
		}),
	}

	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}

	if t.cfg.CAFile != "" && t.cfg.CertFile != "" && t.cfg.KeyFile != "" {
		tlsConfig, err := createTLSConfig(t.cfg.CAFile, t.cfg.CertFile, t.cfg.KeyFile)
		if err != nil {
			t.setState(StateDisconnected)
			return fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts = append(opts, nats.Secure(tlsConfig))
	}

	if t.cfg.Token != "" {
		opts = append(opts, nats.Token(t.cfg.Token))
	}

	nc, err := nats.Connect(t.cfg.URL, opts...)
	if err != nil {
		t.setState(StateDisconnected)
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	t.mu.Lock()
	t.conn = nc
	t.mu.Unlock()

	// With RetryOnFailedConnect the first attempt may still be pending;
	// ConnectHandler reports it.
	if nc.IsConnected() {
		t.setState(StateConnected)
	}
	return nil
}

// Subject returns the NATS subject of a channel.
func (t *NATS) Subject(channel string) string {
	return t.cfg.SubjectPrefix + "." + channel
}

// Subscribe authorizes and subscribes to channel.
func (t *NATS) Subscribe(ctx context.Context, channel string) (Channel, error) {
	t.mu.Lock()
	nc := t.conn
	existing := t.subs[channel]
	t.mu.Unlock()

	if nc == nil || !nc.IsConnected() {
		return nil, ErrNotConnected
	}
	if existing != nil {
		return existing, nil
	}

	socketID := ""
	if id, err := nc.GetClientID(); err == nil {
		socketID = strconv.FormatUint(id, 10)
	}
	if err := authorize(ctx, t.cfg.Authorizer, channel, socketID); err != nil {
		return nil, err
	}

	ch := &natsChannel{boundChannel: newBoundChannel(channel)}
	sub, err := nc.Subscribe(t.Subject(channel), func(m *nats.Msg) {
		var env model.Envelope
		if err := json.Unmarshal(m.Data, &env); err != nil {
			t.logger.Warn("dropping malformed envelope", zap.String("channel", channel), zap.Error(err))
			metrics.InvalidEventsTotal.WithLabelValues("envelope").Inc()
			return
		}
		if !ch.dispatch(env.Event, env.Data) {
			t.logger.Debug("no handler bound", zap.String("channel", channel), zap.String("event", string(env.Event)))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe %s: %w", channel, err)
	}
	ch.sub = sub

	t.mu.Lock()
	t.subs[channel] = ch
	t.mu.Unlock()

	return ch, nil
}

// Unsubscribe removes the subscription for channel.
func (t *NATS) Unsubscribe(channel string) error {
	t.mu.Lock()
	ch, ok := t.subs[channel]
	delete(t.subs, channel)
	t.mu.Unlock()

	if !ok {
		return nil
	}
	if err := ch.sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe %s: %w", channel, err)
	}
	return nil
}

// State returns the current connection state.
func (t *NATS) State() State { return t.notifier.State() }

// Notifier returns the connection state broadcaster.
func (t *NATS) Notifier() *StateNotifier { return t.notifier }

// IsConnected returns true if connected to NATS.
func (t *NATS) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil && t.conn.IsConnected()
}

// Close drains subscriptions and closes the connection.
func (t *NATS) Close() error {
	t.mu.Lock()
	nc := t.conn
	t.conn = nil
	t.subs = make(map[string]*natsChannel)
	t.mu.Unlock()

	if nc != nil {
		nc.Close()
	}
	t.setState(StateDisconnected)
	return nil
}

func (t *NATS) setState(s State) {
	t.notifier.set(s)
	metrics.SetTransportState(string(s))
}

func createTLSConfig(caFile, certFile, keyFile string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client cert: %w", err)
	}

	return &tls.Config{
		RootCAs:      caCertPool,
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
