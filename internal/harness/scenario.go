// Package harness drives a client against the mock server through timed
// phases and asserts which grants the server observed in each phase.
package harness

import (
	"fmt"
	"os"
	"time"

	"github.com/alexjbarnes/veeam-token-mock/internal/models"
	"gopkg.in/yaml.v3"
)

// Phase is one scheduled client invocation. At is the offset from the
// start of the run; Expect lists the grant labels the server must record
// while the client runs, in order. An empty Expect asserts token reuse.
type Phase struct {
	Name   string        `yaml:"name"`
	At     time.Duration `yaml:"at"`
	Expect []string      `yaml:"expect"`
}

// Scenario is a full harness run.
type Scenario struct {
	Name string `yaml:"name"`

	// TokenLifetime is passed to the mock as its access token TTL.
	TokenLifetime time.Duration `yaml:"token_lifetime"`

	// RefreshMargin documents the client's renewal margin. The mock does
	// not enforce it; phase offsets are chosen around TokenLifetime minus
	// RefreshMargin.
	RefreshMargin time.Duration `yaml:"refresh_margin"`

	// MinRejections is the least number of invalid_token responses the
	// mock must have served by the end of the run.
	MinRejections int `yaml:"min_rejections"`

	Phases []Phase `yaml:"phases"`
}

// DefaultScenario is the token refresh check: a password grant at start,
// reuse at 30s, and a refresh_token grant once the 60s token has expired.
func DefaultScenario() *Scenario {
	return &Scenario{
		Name:          "token-refresh",
		TokenLifetime: 60 * time.Second,
		RefreshMargin: 5 * time.Second,
		Phases: []Phase{
			{Name: "initial", At: 0, Expect: []string{string(models.GrantPassword)}},
			{Name: "reuse", At: 30 * time.Second, Expect: []string{}},
			{Name: "post-expiry", At: 65 * time.Second, Expect: []string{string(models.GrantRefreshToken)}},
		},
	}
}

// LoadScenario reads a scenario file. An empty path returns the default.
func LoadScenario(path string) (*Scenario, error) {
	if path == "" {
		return DefaultScenario(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes YAML. Fields left out keep their default values,
// so a file may override only the phases or only the lifetime.
func ParseScenario(data []byte) (*Scenario, error) {
	s := DefaultScenario()
	s.Phases = nil
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("decoding scenario: %w", err)
	}
	if s.Phases == nil {
		s.Phases = DefaultScenario().Phases
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks phase ordering and expected labels.
func (s *Scenario) Validate() error {
	if s.TokenLifetime < time.Second {
		return fmt.Errorf("scenario %q: token_lifetime must be at least 1s", s.Name)
	}
	if s.RefreshMargin < 0 || s.RefreshMargin >= s.TokenLifetime {
		return fmt.Errorf("scenario %q: refresh_margin must be in [0, token_lifetime)", s.Name)
	}
	if len(s.Phases) == 0 {
		return fmt.Errorf("scenario %q: no phases", s.Name)
	}

	var prev time.Duration
	for i, p := range s.Phases {
		if p.Name == "" {
			return fmt.Errorf("scenario %q: phase %d has no name", s.Name, i+1)
		}
		if p.At < prev {
			return fmt.Errorf("scenario %q: phase %q at %s is before the previous phase", s.Name, p.Name, p.At)
		}
		prev = p.At
		for _, label := range p.Expect {
			if !models.GrantType(label).Valid() {
				return fmt.Errorf("scenario %q: phase %q expects unknown grant %q", s.Name, p.Name, label)
			}
		}
	}
	return nil
}

// Expected is every phase's expectation concatenated in order.
func (s *Scenario) Expected() []string {
	out := []string{}
	for _, p := range s.Phases {
		out = append(out, p.Expect...)
	}
	return out
}

// Duration is the offset of the last phase.
func (s *Scenario) Duration() time.Duration {
	if len(s.Phases) == 0 {
		return 0
	}
	return s.Phases[len(s.Phases)-1].At
}
