package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// Message is the subset of a broker message handlers need. paho.Message
// satisfies it; tests use small fakes.
type Message interface {
	Topic() string
	Payload() []byte
	Retained() bool
}

type Handler func(Message)

type Options struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	CAFile         string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	QoS            byte
	// AutoReconnect hands reconnection to paho. The bridge agent leaves it off
	// and drives reconnects from its own loop.
	AutoReconnect bool
	OnConnect     func()
	OnLost        func(error)
}

type Client struct {
	cli     paho.Client
	qos     byte
	timeout time.Duration
	broker  string
}

type Broker struct {
	Server   string
	Username string
	Password string
	TLS      bool
}

// ParseBrokerURL accepts mqtt://, tcp://, ssl://, tls://, mqtts://, ws:// and
// wss:// URLs and returns the paho server string plus any embedded credentials.
func ParseBrokerURL(raw string) (Broker, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Broker{}, errors.New("empty broker url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Broker{}, err
	}
	if u.Host == "" {
		return Broker{}, fmt.Errorf("broker url %q has no host", raw)
	}
	var b Broker
	switch u.Scheme {
	case "mqtt", "tcp":
		b.Server = "tcp://" + u.Host
	case "ssl", "tls", "mqtts":
		b.Server = "ssl://" + u.Host
		b.TLS = true
	case "ws":
		b.Server = "ws://" + u.Host + u.Path
	case "wss":
		b.Server = "wss://" + u.Host + u.Path
		b.TLS = true
	default:
		return Broker{}, fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
	if u.User != nil {
		b.Username = u.User.Username()
		b.Password, _ = u.User.Password()
	}
	return b, nil
}

func tlsConfig(caFile string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if strings.TrimSpace(caFile) == "" {
		return cfg, nil
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates in %s", caFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

// New builds a client without connecting.
func New(o Options) (*Client, error) {
	b, err := ParseBrokerURL(o.BrokerURL)
	if err != nil {
		return nil, err
	}
	opts := paho.NewClientOptions()
	opts.AddBroker(b.Server)
	clientID := strings.TrimSpace(o.ClientID)
	if clientID == "" {
		clientID = "lumina-" + time.Now().Format("150405.000")
	}
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(true)

	user, pass := b.Username, b.Password
	if o.Username != "" {
		user, pass = o.Username, o.Password
	}
	if user != "" {
		opts.SetUsername(user)
		opts.SetPassword(pass)
	}
	if b.TLS {
		tc, err := tlsConfig(o.CAFile)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tc)
	}

	keepAlive := o.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 60 * time.Second
	}
	timeout := o.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	opts.SetKeepAlive(keepAlive)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(timeout)
	opts.SetWriteTimeout(timeout)
	opts.SetAutoReconnect(o.AutoReconnect)
	opts.SetConnectRetry(o.AutoReconnect)
	if o.AutoReconnect {
		opts.SetConnectRetryInterval(2 * time.Second)
	}

	opts.OnConnect = func(_ paho.Client) {
		slog.Info("mqtt connected", "broker", b.Server, "client_id", clientID)
		if o.OnConnect != nil {
			o.OnConnect()
		}
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		slog.Warn("mqtt connection lost", "broker", b.Server, "error", err)
		if o.OnLost != nil {
			o.OnLost(err)
		}
	}

	return &Client{cli: paho.NewClient(opts), qos: o.QoS, timeout: timeout, broker: b.Server}, nil
}

// Connect performs the TLS handshake and broker authentication, bounded by the
// connect timeout.
func (c *Client) Connect(ctx context.Context) error {
	tok := c.cli.Connect()
	if err := c.wait(ctx, tok); err != nil {
		return fmt.Errorf("connect %s: %w", c.broker, err)
	}
	return nil
}

func (c *Client) IsConnected() bool {
	return c != nil && c.cli != nil && c.cli.IsConnectionOpen()
}

func (c *Client) Subscribe(topic string, h Handler) error {
	tok := c.cli.Subscribe(topic, c.qos, func(_ paho.Client, m paho.Message) {
		h(m)
	})
	if err := c.wait(context.Background(), tok); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	slog.Info("mqtt subscribed", "topic", topic)
	return nil
}

func (c *Client) Unsubscribe(topic string) error {
	tok := c.cli.Unsubscribe(topic)
	if err := c.wait(context.Background(), tok); err != nil {
		return err
	}
	slog.Info("mqtt unsubscribed", "topic", topic)
	return nil
}

func (c *Client) Publish(topic string, payload []byte) error {
	return c.PublishWith(topic, payload, false)
}

func (c *Client) PublishWith(topic string, payload []byte, retain bool) error {
	tok := c.cli.Publish(topic, c.qos, retain, payload)
	return c.wait(context.Background(), tok)
}

func (c *Client) Disconnect() {
	if c == nil || c.cli == nil {
		return
	}
	c.cli.Disconnect(250)
}

func (c *Client) wait(ctx context.Context, tok paho.Token) error {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-timer.C:
		return errors.New("mqtt operation timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}
