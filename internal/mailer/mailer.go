// Package mailer implements the reminder transport over SMTP.
package mailer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/wneessen/go-mail"

	"kinect/shared/reminders"
)

// Config holds SMTP settings.
type Config struct {
	Host        string        `yaml:"host" env:"HOST"`
	Port        int           `yaml:"port" env:"PORT"`
	Username    string        `yaml:"username" env:"USERNAME"`
	Password    string        `yaml:"password" env:"PASSWORD"`
	FromAddress string        `yaml:"from_address" env:"FROM_ADDRESS"`
	FromName    string        `yaml:"from_name" env:"FROM_NAME"`
	Timeout     time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// TLSPolicy is one of "mandatory", "opportunistic", "none" or "ssl".
	TLSPolicy string `yaml:"tls_policy" env:"TLS_POLICY"`
}

// Factory creates SMTP transports from one configuration.
type Factory struct {
	cfg Config
}

// NewFactory validates cfg and returns a transport factory.
func NewFactory(cfg Config) (*Factory, error) {
	if cfg.Host == "" {
		return nil, &reminders.ConfigError{Field: "smtp.host", Reason: "is required"}
	}
	if cfg.FromAddress == "" {
		return nil, &reminders.ConfigError{Field: "smtp.from_address", Reason: "is required"}
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.FromName == "" {
		cfg.FromName = "Kinect"
	}
	if _, err := tlsOption(cfg.TLSPolicy); err != nil {
		return nil, err
	}
	return &Factory{cfg: cfg}, nil
}

// NewTransport implements reminders.TransportFactory.
func (f *Factory) NewTransport() (reminders.Transport, error) {
	opts := []mail.Option{
		mail.WithPort(f.cfg.Port),
		mail.WithTimeout(f.cfg.Timeout),
	}
	tlsOpt, err := tlsOption(f.cfg.TLSPolicy)
	if err != nil {
		return nil, err
	}
	opts = append(opts, tlsOpt)
	if f.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(f.cfg.Username),
			mail.WithPassword(f.cfg.Password),
		)
	}

	t := &Transport{cfg: f.cfg}
	opts = append(opts, mail.WithDialContextFunc(t.dial))

	client, err := mail.NewClient(f.cfg.Host, opts...)
	if err != nil {
		return nil, &reminders.ConfigError{Field: "smtp", Reason: err.Error()}
	}
	t.client = client
	return t, nil
}

func tlsOption(policy string) (mail.Option, error) {
	switch strings.ToLower(policy) {
	case "", "opportunistic":
		return mail.WithTLSPolicy(mail.TLSOpportunistic), nil
	case "mandatory":
		return mail.WithTLSPolicy(mail.TLSMandatory), nil
	case "none":
		return mail.WithTLSPolicy(mail.NoTLS), nil
	case "ssl":
		return mail.WithSSL(), nil
	default:
		return nil, &reminders.ConfigError{Field: "smtp.tls_policy", Reason: fmt.Sprintf("unknown policy %q", policy)}
	}
}

// Transport is one SMTP connection.
type Transport struct {
	client *mail.Client
	cfg    Config

	mu        sync.Mutex
	connected bool

	connMu sync.Mutex
	conn   net.Conn
}

// Verify dials the server and performs the handshake and authentication.
func (t *Transport) Verify(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	stop := context.AfterFunc(ctx, t.abort)
	err := t.client.DialWithContext(ctx)
	if !stop() {
		return Classify("verify", "", fmt.Errorf("handshake aborted: %w", ctx.Err()))
	}
	if err != nil {
		return Classify("verify", "", err)
	}
	t.connected = true
	return nil
}

// Send delivers msg over the verified connection. go-mail does not take a
// context while sending, so when ctx ends mid-transaction the connection is
// closed under it and the transport becomes unusable.
func (t *Transport) Send(ctx context.Context, msg *reminders.Message) (reminders.SendResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	res := reminders.SendResult{Rejected: []string{msg.To}}
	if !t.connected {
		return res, &reminders.DeliveryError{Op: "send", Recipient: msg.To, Temporary: true, Err: errors.New("transport not verified")}
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	m, err := BuildMessage(t.cfg, msg)
	if err != nil {
		return res, err
	}

	stop := context.AfterFunc(ctx, t.abort)
	err = t.client.Send(m)
	if !stop() {
		t.connected = false
		return res, Classify("send", msg.To, fmt.Errorf("send aborted: %w", ctx.Err()))
	}
	if err != nil {
		return res, Classify("send", msg.To, err)
	}

	return reminders.SendResult{
		Accepted:  []string{msg.To},
		Rejected:  []string{},
		MessageID: m.GetMessageID(),
	}, nil
}

// Close terminates the connection. It is safe to call more than once.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		t.abort()
		return nil
	}
	t.connected = false
	return t.client.Close()
}

// dial opens the connection for go-mail and keeps a handle on it for abort.
// With implicit TLS the handshake happens here, since go-mail skips its own
// TLS dialer when a dial function is set.
func (t *Transport) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	var (
		conn net.Conn
		err  error
	)
	if strings.EqualFold(t.cfg.TLSPolicy, "ssl") {
		d := tls.Dialer{Config: &tls.Config{ServerName: t.cfg.Host, MinVersion: tls.VersionTLS12}}
		conn, err = d.DialContext(ctx, network, addr)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, network, addr)
	}
	if err != nil {
		return nil, err
	}

	t.connMu.Lock()
	t.conn = conn
	t.connMu.Unlock()
	return conn, nil
}

// abort closes the raw connection, unblocking any read or write in progress.
func (t *Transport) abort() {
	t.connMu.Lock()
	conn := t.conn
	t.connMu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// BuildMessage renders a reminder message as a multipart/alternative mail.
func BuildMessage(cfg Config, msg *reminders.Message) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.FromFormat(cfg.FromName, cfg.FromAddress); err != nil {
		return nil, &reminders.ConfigError{Field: "smtp.from_address", Reason: err.Error()}
	}
	addTo := func() error { return m.AddTo(msg.To) }
	if msg.ToName != "" {
		addTo = func() error { return m.AddToFormat(msg.ToName, msg.To) }
	}
	if err := addTo(); err != nil {
		return nil, &reminders.DeliveryError{Op: "send", Recipient: msg.To, Err: fmt.Errorf("%w: %v", reminders.ErrInvalidRecipient, err)}
	}
	m.Subject(msg.Subject)
	m.SetMessageID()
	m.SetDate()
	m.SetBodyString(mail.TypeTextPlain, msg.TextBody)
	if msg.HTMLBody != "" {
		m.AddAlternativeString(mail.TypeTextHTML, msg.HTMLBody)
	}
	return m, nil
}

// Classify maps an SMTP client error onto a typed delivery error.
// 4xx replies and network failures are transient; 5xx replies and
// rejected recipients are permanent.
func Classify(op, recipient string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := reminders.AsDeliveryError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	temporary := reminders.IsTransient(err)

	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		temporary = protoErr.Code >= 400 && protoErr.Code < 500
	}

	var sendErr *mail.SendError
	if errors.As(err, &sendErr) {
		temporary = temporary || sendErr.IsTemp()
		if code := sendErr.ErrorCode(); code >= 500 {
			temporary = false
		}
		if sendErr.Reason == mail.ErrSMTPRcptTo || sendErr.Reason == mail.ErrGetRcpts {
			temporary = sendErr.IsTemp()
			err = fmt.Errorf("%w: %w", reminders.ErrInvalidRecipient, err)
		}
	}

	return &reminders.DeliveryError{Op: op, Recipient: recipient, Temporary: temporary, Err: err}
}
