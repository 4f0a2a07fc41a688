package notification

// SMTPConfig holds connection parameters for the SMTP provider.
// The envconfig tags are resolved when the struct is embedded in the
// application config.
type SMTPConfig struct {
	Host       string `envconfig:"NOTIQ_SMTP_HOST"`
	Port       int    `envconfig:"NOTIQ_SMTP_PORT" default:"587"`
	Username   string `envconfig:"NOTIQ_SMTP_USERNAME"`
	Password   string `envconfig:"NOTIQ_SMTP_PASSWORD"`
	FromAddr   string `envconfig:"NOTIQ_SMTP_FROM"`
	Encryption string `envconfig:"NOTIQ_SMTP_ENCRYPTION" default:"starttls"` // "none", "starttls", "ssl_tls"
}
