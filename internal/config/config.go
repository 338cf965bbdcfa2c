package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v6"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the whole configuration of the server. Values come from the
// YAML config file and can be overridden with CLOWARDEN_ prefixed
// environment variables.
type Config struct {
	// LogLevel sets the logrus logging level
	LogLevel string `yaml:"log_level" env:"CLOWARDEN_LOG_LEVEL"`
	// LogFormat sets the logrus logging formatter
	// Possible values: json, pretty
	LogFormat string `yaml:"log_format" env:"CLOWARDEN_LOG_FORMAT"`

	Server        Server          `yaml:"server"`
	GitHubApp     GitHubApp       `yaml:"github_app"`
	Services      Services        `yaml:"services"`
	Organizations []*Organization `yaml:"organizations"`
}

// Server is the HTTP server configuration.
type Server struct {
	Addr       string    `yaml:"addr" env:"CLOWARDEN_SERVER_ADDR"`
	StaticPath string    `yaml:"static_path" env:"CLOWARDEN_SERVER_STATIC_PATH"`
	BasicAuth  BasicAuth `yaml:"basic_auth"`
}

// BasicAuth protects the audit endpoints when enabled.
type BasicAuth struct {
	Enabled  bool   `yaml:"enabled" env:"CLOWARDEN_SERVER_BASIC_AUTH_ENABLED"`
	Username string `yaml:"username" env:"CLOWARDEN_SERVER_BASIC_AUTH_USERNAME"`
	Password string `yaml:"password" env:"CLOWARDEN_SERVER_BASIC_AUTH_PASSWORD"`
}

// GitHubApp holds the GitHub application credentials used to authenticate
// API calls and verify webhook payloads.
type GitHubApp struct {
	AppID          int64  `yaml:"app_id" env:"CLOWARDEN_GITHUB_APP_ID"`
	PrivateKey     string `yaml:"private_key" env:"CLOWARDEN_GITHUB_APP_PRIVATE_KEY"`
	PrivateKeyFile string `yaml:"private_key_file" env:"CLOWARDEN_GITHUB_APP_PRIVATE_KEY_FILE"`
	// WebhookSecret verifies incoming webhook signatures. The fallback
	// secret, when set, is also accepted so that secrets can be rotated
	// without dropping deliveries.
	WebhookSecret         string `yaml:"webhook_secret" env:"CLOWARDEN_GITHUB_APP_WEBHOOK_SECRET"`
	WebhookSecretFallback string `yaml:"webhook_secret_fallback" env:"CLOWARDEN_GITHUB_APP_WEBHOOK_SECRET_FALLBACK"`
}

// Services toggles the services the reconciler manages.
type Services struct {
	GitHub ServiceToggle `yaml:"github"`
}

type ServiceToggle struct {
	Enabled *bool `yaml:"enabled" env:"CLOWARDEN_SERVICES_GITHUB_ENABLED"`
}

// Organization is one GitHub organization managed by this instance.
type Organization struct {
	Name           string `yaml:"name"`
	InstallationID int64  `yaml:"installation_id"`
	// Repository and Branch locate the configuration repository the
	// organization's desired state is read from.
	Repository string `yaml:"repository"`
	Branch     string `yaml:"branch"`
	Legacy     Legacy `yaml:"legacy"`
}

// Legacy locates the legacy configuration files inside the configuration
// repository.
type Legacy struct {
	SheriffPermissionsPath string `yaml:"sheriff_permissions_path"`
	CNCFPeoplePath         string `yaml:"cncf_people_path"`
	// ImagesBaseURL prefixes people image names that are not absolute
	// URLs.
	ImagesBaseURL string `yaml:"images_base_url"`
}

// New loads the configuration from the YAML file provided, applies
// environment overrides and defaults, and validates the result.
func New(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "error reading config file")
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "error parsing config file")
	}
	if err := env.Parse(cfg); err != nil {
		return nil, errors.Wrap(err, "error parsing environment overrides")
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = "0.0.0.0:9000"
	}
	if c.Services.GitHub.Enabled == nil {
		enabled := true
		c.Services.GitHub.Enabled = &enabled
	}
	for _, org := range c.Organizations {
		if org.Branch == "" {
			org.Branch = "main"
		}
		if org.Legacy.SheriffPermissionsPath == "" {
			org.Legacy.SheriffPermissionsPath = "config.yaml"
		}
	}
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if c.GitHubApp.AppID == 0 {
		return errors.New("github_app.app_id must be set")
	}
	if c.GitHubApp.PrivateKey == "" && c.GitHubApp.PrivateKeyFile == "" {
		return errors.New("github_app.private_key or github_app.private_key_file must be set")
	}
	if c.GitHubApp.WebhookSecret == "" {
		return errors.New("github_app.webhook_secret must be set")
	}
	if len(c.Organizations) == 0 {
		return errors.New("at least one organization must be configured")
	}
	for _, org := range c.Organizations {
		if org.Name == "" {
			return errors.New("organization name must be set")
		}
		if org.InstallationID == 0 {
			return fmt.Errorf("organization %s: installation_id must be set", org.Name)
		}
		if org.Repository == "" {
			return fmt.Errorf("organization %s: repository must be set", org.Name)
		}
	}
	return nil
}

// Organization returns the configuration of the organization named, nil
// when it is not registered.
func (c *Config) Organization(name string) *Organization {
	for _, org := range c.Organizations {
		if org.Name == name {
			return org
		}
	}
	return nil
}

// PrivateKeyPEM returns the GitHub App private key, reading it from the
// configured file when it is not provided inline.
func (g *GitHubApp) PrivateKeyPEM() ([]byte, error) {
	if g.PrivateKey != "" {
		return []byte(g.PrivateKey), nil
	}
	data, err := os.ReadFile(g.PrivateKeyFile)
	if err != nil {
		return nil, errors.Wrap(err, "error reading github app private key file")
	}
	return data, nil
}

// SetupLogrus configures the global logger from the configuration.
func (c *Config) SetupLogrus() {
	l, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		logrus.WithField("err", err).Fatalf("failed to set logrus level:%s", c.LogLevel)
	}
	logrus.SetLevel(l)
	logrus.SetOutput(os.Stdout)
	switch c.LogFormat {
	case "pretty":
		logrus.SetFormatter(&logrus.TextFormatter{})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.Warnf("unexpected logrus format: %s, should be one of: pretty, json", c.LogFormat)
	}
}
