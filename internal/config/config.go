// Package config loads the mailer configuration: built-in defaults, then an
// optional YAML file, then environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/shineum/mailer-lite/internal/email"
	"github.com/shineum/mailer-lite/internal/validator"
)

// Config holds the complete application configuration.
type Config struct {
	SMTP      SMTPConfig      `yaml:"smtp"`
	Sendmail  SendmailConfig  `yaml:"sendmail"`
	SES       SESConfig       `yaml:"ses"`
	Graph     GraphConfig     `yaml:"graph"`
	Mail      MailConfig      `yaml:"mail"`
	Transport TransportConfig `yaml:"transport"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// SMTPConfig holds the SMTP client configuration. A "tls://" host prefix
// requests STARTTLS, "ssl://" implicit TLS.
type SMTPConfig struct {
	Host               string        `yaml:"host" env:"SMTP_HOST"`
	Port               int           `yaml:"port" env:"SMTP_PORT"`
	Username           string        `yaml:"username" env:"SMTP_USERNAME"`
	Password           string        `yaml:"password" env:"SMTP_PASSWORD"`
	Timeout            time.Duration `yaml:"timeout" env:"SMTP_TIMEOUT"`
	TimeLimit          time.Duration `yaml:"time_limit" env:"SMTP_TIME_LIMIT"`
	VERP               bool          `yaml:"verp" env:"SMTP_VERP"`
	LocalName          string        `yaml:"local_name" env:"SMTP_LOCAL_NAME"`
	CAFile             string        `yaml:"ca_file" env:"SMTP_CA_FILE"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify" env:"SMTP_INSECURE_SKIP_VERIFY"`
}

// SendmailConfig holds the local sendmail configuration.
type SendmailConfig struct {
	Path string `yaml:"path" env:"SENDMAIL_PATH"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region          string `yaml:"region" env:"SES_REGION"`
	AccessKeyID     string `yaml:"access_key_id" env:"SES_ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" env:"SES_SECRET_ACCESS_KEY"`
	Sender          string `yaml:"sender" env:"SES_SENDER"`
}

// GraphConfig holds the Microsoft Graph app registration and the mailbox
// mail is sent as.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id" env:"GRAPH_TENANT_ID"`
	ClientID     string `yaml:"client_id" env:"GRAPH_CLIENT_ID"`
	ClientSecret string `yaml:"client_secret" env:"GRAPH_CLIENT_SECRET"`
	Sender       string `yaml:"sender" env:"GRAPH_SENDER"`
}

// MailConfig holds the content policy and rendering settings.
type MailConfig struct {
	Type       string `yaml:"type" env:"MAIL_TYPE"`
	Strict     bool   `yaml:"strict" env:"MAIL_STRICT"`
	SubjectMin int    `yaml:"subject_min" env:"MAIL_SUBJECT_MIN"`
	SubjectMax int    `yaml:"subject_max" env:"MAIL_SUBJECT_MAX"`
	NameMin    int    `yaml:"name_min" env:"MAIL_NAME_MIN"`
	NameMax    int    `yaml:"name_max" env:"MAIL_NAME_MAX"`
	TextMin    int    `yaml:"text_min" env:"MAIL_TEXT_MIN"`
	TextMax    int    `yaml:"text_max" env:"MAIL_TEXT_MAX"`
	Mailer     string `yaml:"mailer" env:"MAIL_MAILER"`
}

// TransportConfig selects the default transport.
type TransportConfig struct {
	Default string `yaml:"default" env:"TRANSPORT"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level" env:"LOG_LEVEL"`
}

// Load loads configuration from defaults and environment variables.
func Load() (*Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// LoadFromFile loads configuration from a YAML file on top of the defaults,
// then applies environment variables, which always take precedence.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// Default returns the built-in configuration.
func Default() *Config {
	policy := validator.DefaultPolicy()
	return &Config{
		SMTP: SMTPConfig{
			Host:      "localhost",
			Port:      25,
			Timeout:   5 * time.Second,
			TimeLimit: 300 * time.Second,
			LocalName: "localhost",
		},
		Sendmail: SendmailConfig{Path: "/usr/sbin/sendmail"},
		Mail: MailConfig{
			Type:       string(policy.MailType),
			SubjectMin: policy.SubjectMin,
			SubjectMax: policy.SubjectMax,
			NameMin:    policy.NameMin,
			NameMax:    policy.NameMax,
			TextMin:    policy.TextMin,
			TextMax:    policy.TextMax,
			Mailer:     "mailer-lite",
		},
		Transport: TransportConfig{Default: "smtp"},
		Logging:   LoggingConfig{Level: "info"},
	}
}

// applyEnv overrides fields whose environment variable is set and non-empty.
func (c *Config) applyEnv() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	c.Mail.Type = strings.ToLower(c.Mail.Type)
	return nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	if !email.MailType(c.Mail.Type).Valid() {
		return fmt.Errorf("invalid mail type %q", c.Mail.Type)
	}
	if c.Mail.SubjectMin > c.Mail.SubjectMax {
		return fmt.Errorf("mail subject bounds [%d, %d] are inverted", c.Mail.SubjectMin, c.Mail.SubjectMax)
	}
	if c.Mail.NameMin > c.Mail.NameMax {
		return fmt.Errorf("mail name bounds [%d, %d] are inverted", c.Mail.NameMin, c.Mail.NameMax)
	}
	if c.SMTP.Port <= 0 || c.SMTP.Port > 65535 {
		return fmt.Errorf("invalid smtp port %d", c.SMTP.Port)
	}
	if c.SMTP.Timeout < 0 || c.SMTP.TimeLimit < 0 {
		return fmt.Errorf("smtp timeout and time limit must not be negative")
	}
	return nil
}

// Policy returns the validation policy described by the mail section.
func (c *Config) Policy() validator.Policy {
	return validator.Policy{
		MailType:   email.MailType(c.Mail.Type),
		Strict:     c.Mail.Strict,
		SubjectMin: c.Mail.SubjectMin,
		SubjectMax: c.Mail.SubjectMax,
		NameMin:    c.Mail.NameMin,
		NameMax:    c.Mail.NameMax,
		TextMin:    c.Mail.TextMin,
		TextMax:    c.Mail.TextMax,
	}
}

// SESConfigured returns true if an SES region is set.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != ""
}

// GraphConfigured returns true if every Graph credential and the sender are set.
func (c *Config) GraphConfigured() bool {
	g := c.Graph
	return g.TenantID != "" && g.ClientID != "" && g.ClientSecret != "" && g.Sender != ""
}

// AuthEnabled returns true if both SMTP username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}
