package main

import (
	"io/ioutil"
	"time"

	"github.com/aau-network-security/cloakwatch/alert"
	"github.com/aau-network-security/cloakwatch/app"
	"github.com/aau-network-security/cloakwatch/browser"
	"github.com/aau-network-security/cloakwatch/classify"
	"github.com/aau-network-security/cloakwatch/hunt"
	"github.com/aau-network-security/cloakwatch/metrics"
	"github.com/aau-network-security/cloakwatch/report"
	"github.com/aau-network-security/cloakwatch/resolver"
	"github.com/aau-network-security/cloakwatch/store"
	"github.com/aau-network-security/cloakwatch/takedown"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

const (
	DbPass          = "CLOAKWATCH_DB_PASS"
	SafeBrowsingKey = "SAFEBROWSING_API_KEY"
	InfluxToken     = "INFLUX_TOKEN"
	RedisPass       = "REDIS_PASS"
	ProxyPass       = "PROXY_PASS"
	SentryDsn       = "SENTRY_DSN"
)

type redisConf struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

type allowList struct {
	Domains []string  `yaml:"domains"`
	Redis   redisConf `yaml:"redis"`
}

func (a *allowList) IsValid() error {
	if !a.Redis.Enabled {
		return nil
	}
	ce := app.NewConfigErr()
	if a.Redis.Address == "" {
		ce.Add("redis address cannot be empty")
	}
	if ce.IsError() {
		return &ce
	}
	return nil
}

// loop intervals in minutes, 0 disables a loop
type schedule struct {
	Recheck int `yaml:"recheck"`
	Sweep   int `yaml:"sweep"`
	Prune   int `yaml:"prune"`
}

func minutes(n int) time.Duration {
	return time.Duration(n) * time.Minute
}

type config struct {
	InMemory   bool            `yaml:"in-memory"`
	Store      store.Config    `yaml:"store"`
	Browser    browser.Config  `yaml:"browser"`
	Resolver   resolver.Config `yaml:"resolver"`
	Classifier classify.Config `yaml:"classifier"`
	AllowList  allowList       `yaml:"allow-list"`
	Threshold  float64         `yaml:"threshold"`
	Alert      alert.Config    `yaml:"alert"`
	Takedown   takedown.Config `yaml:"takedown"`
	Report     report.Config   `yaml:"report"`
	Hunt       hunt.Config     `yaml:"hunt"`
	Metrics    metrics.Config  `yaml:"metrics"`
	Schedule   schedule        `yaml:"schedule"`
	Sentry     app.Sentry      `yaml:"sentry"`
	Meta       app.Meta        `yaml:"meta"`
}

type validator interface {
	IsValid() error
}

func (c *config) IsValid() error {
	validators := []validator{
		&c.Classifier,
		&c.AllowList,
		&c.Takedown,
		&c.Report,
		&c.Hunt,
		&c.Metrics,
		&c.Sentry,
	}
	if !c.InMemory {
		validators = append(validators, &c.Store)
	}
	for _, v := range validators {
		if err := v.IsValid(); err != nil {
			return err
		}
	}
	if c.Threshold < 0 || c.Threshold > 1 {
		return errors.New("threshold must be within [0, 1]")
	}
	return nil
}

func readConfig(path string) (config, error) {
	var conf config
	f, err := ioutil.ReadFile(path)
	if err != nil {
		return conf, errors.Wrap(err, "read config file")
	}
	if err := yaml.Unmarshal(f, &conf); err != nil {
		return conf, errors.Wrap(err, "unmarshal config file")
	}

	app.SecretFromEnv(&conf.Store.Password, DbPass)
	app.SecretFromEnv(&conf.Takedown.SafeBrowsing.ApiKey, SafeBrowsingKey)
	app.SecretFromEnv(&conf.Metrics.Influx.AuthToken, InfluxToken)
	app.SecretFromEnv(&conf.AllowList.Redis.Password, RedisPass)
	app.SecretFromEnv(&conf.Browser.ProxyPassword, ProxyPass)
	app.SecretFromEnv(&conf.Sentry.Dsn, SentryDsn)

	return conf, nil
}
