package deliver

import (
	"context"
	"fmt"
	"mime"
	"net/smtp"
	"strings"
	"time"
)

// SendFunc submits one assembled message. net/smtp provides the production
// implementation; tests substitute their own.
type SendFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

// EmailConfig holds the SMTP endpoint and sender identity.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Message is one personalized email ready for submission.
type Message struct {
	To      string
	CC      []string
	BCC     []string
	Subject string
	HTML    string
	// TrackURL, when set, appends a tracking pixel to the body.
	TrackURL string
}

// EmailSender submits personalized messages over SMTP with burst pacing.
type EmailSender struct {
	config EmailConfig
	send   SendFunc
	pacer  Pacer
	now    func() time.Time
}

// NewEmailSender wires a sender over the given transport. A nil send
// function selects smtp.SendMail.
func NewEmailSender(config EmailConfig, pacer Pacer, send SendFunc) *EmailSender {
	if send == nil {
		send = smtp.SendMail
	}
	return &EmailSender{config: config, send: send, pacer: pacer, now: time.Now}
}

// Send submits the batch in order, pacing between bursts. The first
// transport failure aborts the batch.
func (s *EmailSender) Send(ctx context.Context, messages []Message) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	var auth smtp.Auth
	if s.config.Username != "" {
		auth = smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
	}
	for index, message := range messages {
		if err := s.pacer.Wait(ctx, index); err != nil {
			return err
		}
		recipients := append([]string{message.To}, message.CC...)
		recipients = append(recipients, message.BCC...)
		body := BuildMIME(s.config.From, message, s.now())
		if err := s.send(addr, auth, s.config.From, recipients, body); err != nil {
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
	}
	return nil
}

// BuildMIME assembles the RFC 5322 message with an HTML body. BCC
// recipients go on the envelope only, never in the headers.
func BuildMIME(from string, message Message, at time.Time) []byte {
	html := message.HTML
	if message.TrackURL != "" {
		html += fmt.Sprintf(`<img src="%s" alt="" width="1" height="1"/>`, message.TrackURL)
	}
	var b strings.Builder
	writeHeader(&b, "From", from)
	writeHeader(&b, "To", message.To)
	if len(message.CC) > 0 {
		writeHeader(&b, "Cc", strings.Join(message.CC, ", "))
	}
	writeHeader(&b, "Subject", mime.QEncoding.Encode("utf-8", message.Subject))
	writeHeader(&b, "Date", at.Format(time.RFC1123Z))
	writeHeader(&b, "MIME-Version", "1.0")
	writeHeader(&b, "Content-Type", `text/html; charset="utf-8"`)
	b.WriteString("\r\n")
	b.WriteString(html)
	b.WriteString("\r\n")
	return []byte(b.String())
}

func writeHeader(b *strings.Builder, name, value string) {
	b.WriteString(name)
	b.WriteString(": ")
	b.WriteString(value)
	b.WriteString("\r\n")
}
