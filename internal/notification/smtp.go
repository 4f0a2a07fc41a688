package notification

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/wneessen/go-mail"
)

// SMTPProvider delivers email notifications via SMTP using the go-mail library.
type SMTPProvider struct {
	config SMTPConfig
}

// NewSMTPProvider creates a new SMTPProvider with the given configuration.
func NewSMTPProvider(config SMTPConfig) *SMTPProvider {
	return &SMTPProvider{config: config}
}

// Name returns the provider identifier.
func (p *SMTPProvider) Name() string { return "smtp" }

// Send delivers the envelope to its recipient over SMTP. Invalid addresses
// and content rejected by the server are permanent failures; connection
// problems and temporary server errors are transient.
func (p *SMTPProvider) Send(ctx context.Context, env *Envelope) Outcome {
	m := mail.NewMsg()
	if err := m.From(p.config.FromAddr); err != nil {
		return Permanent(fmt.Sprintf("invalid from address %q: %v", p.config.FromAddr, err))
	}
	if err := m.To(env.Recipient); err != nil {
		return Permanent(fmt.Sprintf("invalid recipient %q: %v", env.Recipient, err))
	}

	m.SetMessageID()
	m.Subject(env.Subject)

	// Plain-text fallback for clients that don't render HTML.
	m.SetBodyString(mail.TypeTextPlain, env.Body)

	// Rich HTML email using the branded template.
	if html, err := buildEmailHTML(env); err == nil {
		m.AddAlternativeString(mail.TypeTextHTML, html)
	}

	c, err := mail.NewClient(p.config.Host,
		mail.WithPort(p.config.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(p.config.Username),
		mail.WithPassword(p.config.Password),
		mail.WithTLSPolicy(tlsPolicyFromEncryption(p.config.Encryption)),
	)
	if err != nil {
		return Permanent(fmt.Sprintf("creating mail client: %v", err))
	}

	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		return classifySMTPError(err)
	}

	return Success(m.GetMessageID())
}

// classifySMTPError maps a go-mail error onto the failure taxonomy.
// Temporary server responses (4xx) and connection failures are transient;
// definitive rejections (5xx on sender, recipient, or content) are permanent.
// Errors that carry no classification default to transient so that a delivery
// is never abandoned on an unknown failure mode.
func classifySMTPError(err error) Outcome {
	var sendErr *mail.SendError
	if errors.As(err, &sendErr) {
		if sendErr.IsTemp() || sendErr.Reason == mail.ErrConnCheck {
			return Transient(err.Error())
		}
		return Permanent(err.Error())
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return Transient(err.Error())
	}

	return Transient(err.Error())
}

// tlsPolicyFromEncryption converts the encryption string to a go-mail TLSPolicy.
func tlsPolicyFromEncryption(enc string) mail.TLSPolicy {
	switch enc {
	case "ssl_tls":
		return mail.TLSMandatory
	case "starttls":
		return mail.TLSOpportunistic
	default:
		return mail.NoTLS
	}
}
