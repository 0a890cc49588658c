package notification

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"text/template"
	"time"

	"github.com/rs/zerolog"

	"github.com/aquamans/pondwatch/internal/protocol"
	"github.com/aquamans/pondwatch/pkg/config"
)

// DefaultSMTPTimeout bounds one whole SMTP conversation
const DefaultSMTPTimeout = 15 * time.Second

type sendFunc func(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailNotifier sends email notifications
type EmailNotifier struct {
	config  *config.SMTPConfig
	send    sendFunc
	timeout time.Duration
	log     zerolog.Logger
}

// NewEmailNotifier creates a new email notifier
func NewEmailNotifier(cfg *config.SMTPConfig, log zerolog.Logger) *EmailNotifier {
	e := &EmailNotifier{
		config:  cfg,
		timeout: DefaultSMTPTimeout,
		log:     log.With().Str("component", "email").Logger(),
	}
	e.send = e.sendMail
	return e
}

var deadFishTemplate = template.Must(template.New("dead_fish").Parse(`
Dead Catfish Detected
=====================

Dead catfish: {{.DeadCatfish}}
Live catfish: {{.Catfish}}
Captured at:  {{.CapturedAt.Format "2006-01-02 15:04:05"}}
Reading ID:   {{.ReadingID}}

Water quality at capture time:
  Temperature: {{.Water.Temperature}} ({{.Water.TempResult}})
  Oxygen:      {{.Water.Oxygen}} ({{.Water.OxygenResult}})
  pH:          {{.Water.PHLevel}} ({{.Water.PHResult}})
  Turbidity:   {{.Water.Turbidity}} ({{.Water.TurbidityResult}})

The evidence frame is stored with reading {{.ReadingID}}.
Please inspect the enclosure and remove dead fish.

---
Pondwatch Notification System
`))

// PublishAlert implements ingest.AlertSink. The send is abandoned when ctx
// ends or the SMTP timeout passes, whichever comes first.
func (e *EmailNotifier) PublishAlert(ctx context.Context, alert *protocol.DeadFishAlert) error {
	if alert.Type != protocol.AlertTypeDeadFish {
		return fmt.Errorf("unknown alert type: %s", alert.Type)
	}

	body, err := renderDeadFish(alert)
	if err != nil {
		return fmt.Errorf("failed to render email template: %w", err)
	}

	subject := fmt.Sprintf("Dead catfish detected (%d) - reading %d", alert.DeadCatfish, alert.ReadingID)
	return e.sendEmail(ctx, subject, body)
}

// SendDeadFishAlert sends an email for a dead-fish alert
func (e *EmailNotifier) SendDeadFishAlert(alert *protocol.DeadFishAlert) error {
	return e.PublishAlert(context.Background(), alert)
}

func renderDeadFish(alert *protocol.DeadFishAlert) (string, error) {
	var buf bytes.Buffer
	if err := deadFishTemplate.Execute(&buf, alert); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (e *EmailNotifier) sendEmail(ctx context.Context, subject, body string) error {
	// Skip sending if SMTP is not configured
	if e.config.Username == "" || e.config.Password == "" {
		e.log.Info().Str("subject", subject).Msg("SMTP not configured, skipping email")
		return nil
	}

	message := fmt.Sprintf("From: %s\r\n", e.config.From)
	message += fmt.Sprintf("To: %s\r\n", e.config.To)
	message += fmt.Sprintf("Subject: %s\r\n", subject)
	message += fmt.Sprintf("Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	message += "\r\n"
	message += body

	auth := smtp.PlainAuth("", e.config.Username, e.config.Password, e.config.Host)

	addr := fmt.Sprintf("%s:%d", e.config.Host, e.config.Port)
	if err := e.send(ctx, addr, auth, e.config.From, []string{e.config.To}, []byte(message)); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	e.log.Info().Str("subject", subject).Msg("email sent")
	return nil
}

// sendMail is smtp.SendMail with the connection bound to ctx and e.timeout
func (e *EmailNotifier) sendMail(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	// unblock reads and writes when ctx is cancelled without a deadline
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		conn.Close()
		return err
	}
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return err
		}
	}
	if a != nil {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(a); err != nil {
				return err
			}
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}
