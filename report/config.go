package report

import (
	"fmt"

	"github.com/aau-network-security/cloakwatch/app"
)

const (
	KindNetcraft = "netcraft"
	KindWebhook  = "webhook"
)

type ServiceConfig struct {
	Name     string  `yaml:"name"`
	Kind     string  `yaml:"kind"`
	Endpoint string  `yaml:"endpoint"`
	Email    string  `yaml:"email"` // reporter identity, netcraft only
	Cap      int     `yaml:"cap"`   // maximum urls submitted per interval, 0 is unlimited
	Rate     float64 `yaml:"rate"`  // submissions per second, 0 is unlimited
}

type Config struct {
	Interval int             `yaml:"interval"` // seconds
	Services []ServiceConfig `yaml:"services"`
}

func (c *Config) IsValid() error {
	ce := app.NewConfigErr()
	if c.Interval <= 0 {
		ce.Add("report interval must be positive")
	}
	seen := make(map[string]bool)
	for i, s := range c.Services {
		if s.Name == "" {
			ce.Add(fmt.Sprintf("report service %d has no name", i))
		}
		if seen[s.Name] {
			ce.Add(fmt.Sprintf("duplicate report service %q", s.Name))
		}
		seen[s.Name] = true
		switch s.Kind {
		case KindNetcraft:
			if s.Email == "" {
				ce.Add(fmt.Sprintf("report service %q requires an email", s.Name))
			}
		case KindWebhook:
			if s.Endpoint == "" {
				ce.Add(fmt.Sprintf("report service %q requires an endpoint", s.Name))
			}
		default:
			ce.Add(fmt.Sprintf("report service %q has unknown kind %q", s.Name, s.Kind))
		}
		if s.Cap < 0 || s.Rate < 0 {
			ce.Add(fmt.Sprintf("report service %q cannot have a negative cap or rate", s.Name))
		}
	}
	if ce.IsError() {
		return &ce
	}
	return nil
}
