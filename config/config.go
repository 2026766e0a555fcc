// Package config holds the options recognized by §6, loaded from an sconf
// file and overridden by a handful of environment variables. Loading the
// config file is ambient startup plumbing; the core components only ever
// see the already-populated Config struct.
package config

import (
	"fmt"
	"os"

	"github.com/mjl-/sconf"
)

// Config holds every option from §6. All fields are optional except Domain.
type Config struct {
	Host               string `sconf:"optional" sconf-doc:"Address to bind listeners to. Default: 0.0.0.0."`
	SMTPPort           int    `sconf:"optional" sconf-doc:"Plaintext-with-STARTTLS SMTP port. Default: 25."`
	SubmissionPort     int    `sconf:"optional" sconf-doc:"Plaintext-with-STARTTLS submission port. Default: 587."`
	SMTPSPort          int    `sconf:"optional" sconf-doc:"Implicit-TLS SMTP port. Default: 465."`
	IMAPPort           int    `sconf:"optional" sconf-doc:"IMAP port for the (external) IMAP boundary. Default: 143."`
	Domain             string `sconf-doc:"Mail domain this server serves. Required."`
	MailRoot           string `sconf:"optional" sconf-doc:"Root of per-user mailbox storage. Default: ./data/mail."`
	QueueRoot          string `sconf:"optional" sconf-doc:"Root of the outbound mail queue. Default: ./data/queue."`
	TLSCert            string `sconf:"optional" sconf-doc:"PEM certificate chain for TLS."`
	TLSKey             string `sconf:"optional" sconf-doc:"PEM private key for TLS."`
	TLSRequired        bool   `sconf:"optional" sconf-doc:"Require implicit or STARTTLS TLS for every connection."`
	RequireSTARTTLS    bool   `sconf:"optional" sconf-doc:"Reject AUTH with 530 until TLS is active."`
	MinTLSVersion      int    `sconf:"optional" sconf-doc:"1, 2 or 3 for TLS 1.0, 1.1 or 1.2+. Default: 3 (TLS 1.2+)."`
	LogFile            string `sconf:"optional" sconf-doc:"Path to the log file. Default: stderr."`
	LogLevel           string `sconf:"optional" sconf-doc:"debug, info, warn or error. Default: info."`
	UsersFile          string `sconf:"optional" sconf-doc:"YAML users file, see §6. Default: ./users.yaml."`
	AdminToken         string `sconf:"optional" sconf-doc:"Bearer token for the admin/metrics HTTP API."`
	GlobalMaxConns     int    `sconf:"optional" sconf-doc:"Global concurrent connection cap. Default: 1000."`
	MaxConnsPerIP      int    `sconf:"optional" sconf-doc:"Per-IP concurrent connection cap. Default: 20."`
	MaxMessagesPerHour int    `sconf:"optional" sconf-doc:"Reserved for future per-account throttling. Default: 0 (unused)."`
	CommandsPerMinute  int    `sconf:"optional" sconf-doc:"Commands per session per minute. Default: 120."`
	MaxMessageSize     int64  `sconf:"optional" sconf-doc:"Maximum DATA size in bytes, 1024..104857600. Default: 10485760."`
	SMTPTimeoutSec     int    `sconf:"optional" sconf-doc:"Per-command read timeout in seconds, >=30. Default: 300."`
	DataTimeoutSec     int    `sconf:"optional" sconf-doc:"DATA-phase read timeout in seconds, >=60. Default: 600."`
	HAEnabled          bool   `sconf:"optional" sconf-doc:"Enable the leader.lock exclusive-file-lock gate on the retry worker."`
	DNSResolver        string `sconf:"optional" sconf-doc:"host:port of the recursive resolver used by SPF/DKIM/DMARC/relay. Default: 8.8.8.8:53."`
	MetricsAddr        string `sconf:"optional" sconf-doc:"Listen address for the health/ready/metrics/admin HTTP surface. Default: :8025."`
	DKIMKeyFile        string `sconf:"optional" sconf-doc:"PEM private key (PKCS#1 or PKCS#8 RSA) used to sign outbound mail. Empty disables outbound DKIM signing."`
	DKIMSelector       string `sconf:"optional" sconf-doc:"DKIM selector published alongside the public key. Default: default."`
}

// Defaults fills in every zero-valued optional field with its §6 default.
func (c *Config) Defaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.SMTPPort == 0 {
		c.SMTPPort = 25
	}
	if c.SubmissionPort == 0 {
		c.SubmissionPort = 587
	}
	if c.SMTPSPort == 0 {
		c.SMTPSPort = 465
	}
	if c.IMAPPort == 0 {
		c.IMAPPort = 143
	}
	if c.MailRoot == "" {
		c.MailRoot = "./data/mail"
	}
	if c.QueueRoot == "" {
		c.QueueRoot = "./data/queue"
	}
	if c.MinTLSVersion == 0 {
		c.MinTLSVersion = 3
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.UsersFile == "" {
		c.UsersFile = "./users.yaml"
	}
	if c.GlobalMaxConns == 0 {
		c.GlobalMaxConns = 1000
	}
	if c.MaxConnsPerIP == 0 {
		c.MaxConnsPerIP = 20
	}
	if c.CommandsPerMinute == 0 {
		c.CommandsPerMinute = 120
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 10 * 1024 * 1024
	}
	if c.SMTPTimeoutSec == 0 {
		c.SMTPTimeoutSec = 300
	}
	if c.DataTimeoutSec == 0 {
		c.DataTimeoutSec = 600
	}
	if c.DNSResolver == "" {
		c.DNSResolver = "8.8.8.8:53"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":8025"
	}
	if c.DKIMSelector == "" {
		c.DKIMSelector = "default"
	}
}

// Validate checks the invariants named in §6.
func (c *Config) Validate() error {
	if c.Domain == "" {
		return fmt.Errorf("config: domain is required")
	}
	if c.MaxMessageSize < 1024 || c.MaxMessageSize > 100*1024*1024 {
		return fmt.Errorf("config: max_message_size must be between 1024 and 104857600, got %d", c.MaxMessageSize)
	}
	if c.SMTPTimeoutSec < 30 {
		return fmt.Errorf("config: smtp_timeout must be >= 30, got %d", c.SMTPTimeoutSec)
	}
	if c.DataTimeoutSec < 60 {
		return fmt.Errorf("config: data_timeout must be >= 60, got %d", c.DataTimeoutSec)
	}
	if c.MinTLSVersion < 1 || c.MinTLSVersion > 3 {
		return fmt.Errorf("config: min_tls_version must be 1, 2 or 3, got %d", c.MinTLSVersion)
	}
	return nil
}

// Load parses path as an sconf file, applies defaults, applies the §6
// environment overrides, then validates the result.
func Load(path string) (*Config, error) {
	var c Config
	if err := sconf.ParseFile(path, &c); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	c.Defaults()
	c.applyEnv()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// applyEnv applies the §6 environment overrides, which take precedence over
// the config file.
func (c *Config) applyEnv() {
	if v := os.Getenv("ADMIN_TOKEN"); v != "" {
		c.AdminToken = v
	}
	if v := os.Getenv("TLS_CERT"); v != "" {
		c.TLSCert = v
	}
	if v := os.Getenv("TLS_CERT_PATH"); v != "" {
		c.TLSCert = v
	}
	if v := os.Getenv("TLS_KEY"); v != "" {
		c.TLSKey = v
	}
	if v := os.Getenv("TLS_KEY_PATH"); v != "" {
		c.TLSKey = v
	}
}

// ConfigPath returns $CONFIG_PATH or the given default.
func ConfigPath(def string) string {
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		return v
	}
	return def
}
