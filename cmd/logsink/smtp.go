package logsink

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"time"

	"github.com/wneessen/go-mail"
)

// DefaultSMTPTimeout bounds dialing and talking to the relay.
const DefaultSMTPTimeout = 5 * time.Second

// SMTPConfig configures the e-mail log sink.
type SMTPConfig struct {
	Host     string
	Port     int
	From     string
	To       []string
	Subject  string
	Secure   bool
	Timeout  time.Duration
	Username string
	Password string
}

// MailSender delivers messages. *mail.Client satisfies it.
type MailSender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// SMTPSink sends one HTML e-mail per event.
type SMTPSink struct {
	cfg       SMTPConfig
	newSender func(SMTPConfig) (MailSender, error)
	now       func() time.Time
}

// NewSMTPSink creates an e-mail sink.
func NewSMTPSink(cfg SMTPConfig) *SMTPSink {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultSMTPTimeout
	}
	if cfg.Port == 0 {
		cfg.Port = 25
	}
	return &SMTPSink{cfg: cfg, newSender: dialer, now: time.Now}
}

// WithSender replaces the relay connection, typically in tests.
func (s *SMTPSink) WithSender(fn func(SMTPConfig) (MailSender, error)) *SMTPSink {
	s.newSender = fn
	return s
}

func (s *SMTPSink) Name() string { return "smtp" }

// Emit formats e, dials the relay, sends and disconnects.
func (s *SMTPSink) Emit(ctx context.Context, e Event) error {
	msg, err := s.message(e)
	if err != nil {
		return err
	}

	sender, err := s.newSender(s.cfg)
	if err != nil {
		return fmt.Errorf("failed to create mail client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	if err := sender.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("failed to send log mail: %w", err)
	}
	return nil
}

// Close is a no-op; connections do not outlive a single event.
func (s *SMTPSink) Close() error { return nil }

func (s *SMTPSink) message(e Event) (*mail.Msg, error) {
	body, err := formatHTML(e)
	if err != nil {
		return nil, err
	}

	m := mail.NewMsg()
	if err := m.From(s.cfg.From); err != nil {
		return nil, fmt.Errorf("invalid sender address: %w", err)
	}
	if err := m.To(s.cfg.To...); err != nil {
		return nil, fmt.Errorf("invalid recipient address: %w", err)
	}
	m.Subject(s.cfg.Subject)
	m.SetDateWithValue(s.now())
	m.SetBodyString(mail.TypeTextHTML, body)
	return m, nil
}

func dialer(cfg SMTPConfig) (MailSender, error) {
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTimeout(cfg.Timeout),
	}
	if cfg.Secure {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password))
	}
	return mail.NewClient(cfg.Host, opts...)
}

var mailTemplate = template.Must(template.New("event").Parse(`<html><body>
<h3>{{.LevelName}}: {{.Message}}</h3>
<table>
<tr><td>Time</td><td>{{.Time.Format "2006-01-02 15:04:05"}}</td></tr>
<tr><td>Logger</td><td>{{.LoggerName}}</td></tr>
{{- if .RunID}}
<tr><td>Run</td><td>{{.RunID}}</td></tr>
{{- end}}
<tr><td>Source</td><td>{{.SourceFunction}} ({{.SourceFile}}:{{.LineNumber}})</td></tr>
{{- if .Exception}}
<tr><td>Error</td><td><pre>{{.Exception}}</pre></td></tr>
{{- end}}
{{- if .Stack}}
<tr><td>Stack</td><td><pre>{{.Stack}}</pre></td></tr>
{{- end}}
</table>
</body></html>`))

func formatHTML(e Event) (string, error) {
	var buf bytes.Buffer
	if err := mailTemplate.Execute(&buf, e); err != nil {
		return "", fmt.Errorf("failed to format log mail: %w", err)
	}
	return buf.String(), nil
}
