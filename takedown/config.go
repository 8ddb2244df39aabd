package takedown

import (
	"time"

	"github.com/aau-network-security/cloakwatch/app"
)

var (
	DefaultOpts = Opts{
		Concurrency:  10,
		ChunkSize:    500,
		CheckTimeout: 30 * time.Second,
	}
)

type SafeBrowsingConfig struct {
	ApiKey        string `yaml:"api-key"`
	Endpoint      string `yaml:"endpoint"`
	ClientID      string `yaml:"client-id"`
	ClientVersion string `yaml:"client-version"`
}

type NetcraftConfig struct {
	Endpoint string `yaml:"endpoint"`
}

type SmartScreenConfig struct {
	Endpoint string `yaml:"endpoint"`
	AuthID   string `yaml:"auth-id"`
}

type DNSConfig struct {
	Servers []string `yaml:"servers"` // host:port, defaults to the system resolvers
	Timeout int      `yaml:"timeout"` // seconds
}

type Config struct {
	SafeBrowsing SafeBrowsingConfig `yaml:"safebrowsing"`
	Netcraft     NetcraftConfig     `yaml:"netcraft"`
	SmartScreen  SmartScreenConfig  `yaml:"smartscreen"`
	DNS          DNSConfig          `yaml:"dns"`
	Concurrency  int                `yaml:"concurrency"`
}

func (c *Config) IsValid() error {
	ce := app.NewConfigErr()
	if c.SafeBrowsing.ApiKey == "" {
		ce.Add("safebrowsing api key cannot be empty")
	}
	if c.Concurrency < 0 {
		ce.Add("concurrency cannot be negative")
	}
	if ce.IsError() {
		return &ce
	}
	return nil
}

type Opts struct {
	Concurrency  int           // destinations checked at the same time
	ChunkSize    int           // urls per safebrowsing request
	CheckTimeout time.Duration // per external check
}
