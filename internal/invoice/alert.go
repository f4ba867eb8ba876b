package invoice

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"net/smtp"
	"strings"
)

// Notifier delivers an alert message
type Notifier interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SMTPNotifier sends alerts as plain emails
type SMTPNotifier struct {
	Addr     string // host:port
	From     string
	Username string
	Password string
}

func (n *SMTPNotifier) Send(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var auth smtp.Auth
	if n.Username != "" {
		host := n.Addr
		if i := strings.LastIndex(host, ":"); i >= 0 {
			host = host[:i]
		}
		auth = smtp.PlainAuth("", n.Username, n.Password, host)
	}

	msg := mailMessage(n.From, to, subject, body)
	if err := smtp.SendMail(n.Addr, auth, n.From, []string{to}, msg); err != nil {
		return fmt.Errorf("sending mail: %w", err)
	}
	return nil
}

var headerBreaks = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

// mailMessage renders a plain text mail. The subject is folded onto one line
// and Q-encoded when it is not plain ASCII.
func mailMessage(from, to, subject, body string) []byte {
	subject = mime.QEncoding.Encode("utf-8", headerBreaks.Replace(subject))
	return []byte(strings.Join([]string{
		"From: " + from,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=UTF-8",
		"",
		body,
	}, "\r\n"))
}

// LogNotifier writes alerts to the log when no mail server is configured
type LogNotifier struct{}

func (LogNotifier) Send(_ context.Context, to, subject, _ string) error {
	slog.Info("Alert", "to", to, "subject", subject)
	return nil
}

// Alerter builds the pipeline's alerts. Without a recipient every alert
// is a no-op. Delivery errors are logged, never returned.
type Alerter struct {
	notifier  Notifier
	recipient string
}

func NewAlerter(notifier Notifier, recipient string) *Alerter {
	return &Alerter{notifier: notifier, recipient: recipient}
}

func (a *Alerter) send(ctx context.Context, subject, body string) {
	if a == nil || a.recipient == "" || a.notifier == nil {
		return
	}
	if err := a.notifier.Send(ctx, a.recipient, "JSOCR: "+subject, body); err != nil {
		slog.Error("Failed to send alert", "subject", subject, "error", err)
		return
	}
	slog.Info("Alert sent", "subject", subject)
}

// JobFailed reports a job that reached failed
func (a *Alerter) JobFailed(ctx context.Context, job *ImportJob) {
	detail := job.ErrorMessage
	if detail == "" {
		detail = "Aucun detail disponible"
	}
	a.send(ctx,
		"Echec traitement - "+job.Filename,
		fmt.Sprintf("Le traitement du fichier %s a echoue.\nJob ID: %s\nErreur: %s\n", job.Filename, job.ID, detail),
	)
}

// FileRejected reports a non-PDF file found in the watch folder
func (a *Alerter) FileRejected(ctx context.Context, filename string) {
	a.send(ctx,
		"Fichier non-PDF rejete",
		fmt.Sprintf("Le fichier %s a ete rejete car ce n'est pas un PDF.\n", filename),
	)
}

// AmountExceeded reports an entry whose total is above the threshold
func (a *Alerter) AmountExceeded(ctx context.Context, job *ImportJob, total, threshold float64) {
	a.send(ctx,
		"Montant eleve - "+job.Filename,
		fmt.Sprintf("La facture du fichier %s depasse le seuil d'alerte.\nJob ID: %s\nMontant: %.2f\nSeuil: %.2f\n",
			job.Filename, job.ID, total, threshold),
	)
}
