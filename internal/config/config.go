package config

import (
	"fmt"
	"log"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/alexjbarnes/veeam-token-mock/internal/auth"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for the mock server.
// Command-line flags in cmd/veeam-mock override these values.
type Config struct {
	Host string `env:"MOCK_HOST" envDefault:"127.0.0.1"`
	Port int    `env:"MOCK_PORT" envDefault:"9999"`

	// ServerURL is the externally visible base URL. Defaults to
	// http://<host>:<port>.
	ServerURL string `env:"MOCK_SERVER_URL"`

	// TokenLifetime is the access token TTL.
	TokenLifetime time.Duration `env:"MOCK_TOKEN_LIFETIME" envDefault:"60s"`

	// Users is "user1:password1,user2:password2". Passwords may be bcrypt
	// hashes. Empty accepts any non-empty username and password.
	Users string `env:"MOCK_USERS"`

	// GrantLogFile receives one "Grant type: <type>" line per grant.
	GrantLogFile string `env:"MOCK_LOG_FILE"`

	// EventJournal is a bbolt file recording grant events.
	EventJournal string `env:"MOCK_EVENT_JOURNAL"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"MOCK_LOG_LEVEL"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
// Call Validate after applying flag overrides.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// Validate checks the final configuration.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("MOCK_HOST must not be empty")
	}

	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("MOCK_PORT %d out of range", c.Port)
	}

	if c.TokenLifetime < time.Second {
		return fmt.Errorf("MOCK_TOKEN_LIFETIME must be at least 1s, got %s", c.TokenLifetime)
	}

	if _, err := c.ParseUsers(); err != nil {
		return fmt.Errorf("MOCK_USERS: %w", err)
	}

	return nil
}

// ListenAddr returns host:port.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// BaseURL returns ServerURL, or the URL derived from the listen address.
func (c *Config) BaseURL() string {
	if c.ServerURL != "" {
		return strings.TrimRight(c.ServerURL, "/")
	}
	return "http://" + c.ListenAddr()
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ParseUsers parses the Users string into a UserCredentials map.
// Format: "user1:password1,user2:password2"
func (c *Config) ParseUsers() (auth.UserCredentials, error) {
	users := make(auth.UserCredentials)
	if c.Users == "" {
		return users, nil
	}

	for _, pair := range strings.Split(c.Users, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		// Split on the first colon only; passwords may contain colons.
		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid user entry (missing ':')")
		}

		username := pair[:idx]

		password := pair[idx+1:]
		if username == "" || password == "" {
			return nil, fmt.Errorf("empty username or password in entry %d", len(users)+1)
		}

		if _, dup := users[username]; dup {
			return nil, fmt.Errorf("duplicate username %q", username)
		}

		users[username] = password
	}

	return users, nil
}
