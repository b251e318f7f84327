package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"

	"github.com/escrowlink/backend/internal/models"
	"go.uber.org/zap"
)

type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

// EmailNotifier sends confirmation codes over SMTP with implicit TLS.
type EmailNotifier struct {
	cfg        SMTPConfig
	confirmURL func(*models.EscrowTransaction) string
	log        *zap.Logger
}

func NewEmailNotifier(cfg SMTPConfig, confirmURL func(*models.EscrowTransaction) string, log *zap.Logger) *EmailNotifier {
	return &EmailNotifier{cfg: cfg, confirmURL: confirmURL, log: log}
}

func (n *EmailNotifier) SendConfirmationCode(ctx context.Context, tx *models.EscrowTransaction) error {
	msg, err := ConfirmationMessage(tx, n.confirmURL(tx))
	if err != nil {
		return err
	}
	if err := n.send(ctx, msg); err != nil {
		return err
	}
	n.log.Info("confirmation code sent", zap.String("escrow_id", tx.ID.String()))
	return nil
}

func (n *EmailNotifier) send(ctx context.Context, msg *Message) error {
	if n.cfg.Host == "" {
		return fmt.Errorf("smtp not configured")
	}

	dialer := &tls.Dialer{Config: &tls.Config{ServerName: n.cfg.Host}}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(n.cfg.Host, n.cfg.Port))
	if err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, n.cfg.Host)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	defer c.Close()

	if n.cfg.Username != "" {
		auth := smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(n.cfg.From); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := c.Rcpt(msg.To); err != nil {
		return fmt.Errorf("smtp rcpt to: %w", err)
	}
	wc, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := wc.Write(buildMIME(n.cfg.From, msg)); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("smtp close: %w", err)
	}
	return c.Quit()
}

func buildMIME(from string, msg *Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	return []byte(b.String())
}
