// Package agent runs tasks by calling the HTTP endpoint registered for their agent slug.
package agent

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Endpoint is one registered agent.
type Endpoint struct {
	Slug    string        `yaml:"slug"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// Registry maps agent slugs to endpoints. RateLimit caps outgoing calls per second across
// all agents; zero means unlimited.
type Registry struct {
	RateLimit float64    `yaml:"rate_limit,omitempty"`
	Burst     int        `yaml:"burst,omitempty"`
	Agents    []Endpoint `yaml:"agents"`
}

// LoadRegistry reads a YAML registry file.
func LoadRegistry(path string) (Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Registry{}, errors.Wrapf(err, "read agent registry %s", path)
	}
	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return Registry{}, errors.Wrapf(err, "parse agent registry %s", path)
	}
	return reg, reg.Validate()
}

func (r Registry) Validate() error {
	seen := make(map[string]struct{}, len(r.Agents))
	for _, a := range r.Agents {
		if a.Slug == "" || a.URL == "" {
			return errors.Errorf("agent entry needs slug and url, got %+v", a)
		}
		if _, dup := seen[a.Slug]; dup {
			return errors.Errorf("agent %q registered twice", a.Slug)
		}
		seen[a.Slug] = struct{}{}
	}
	if r.RateLimit < 0 {
		return errors.Errorf("rate_limit cannot be negative, got %v", r.RateLimit)
	}
	return nil
}

// Lookup returns the endpoint registered for slug.
func (r Registry) Lookup(slug string) (Endpoint, bool) {
	for _, a := range r.Agents {
		if a.Slug == slug {
			return a, true
		}
	}
	return Endpoint{}, false
}
