package app

import (
	"os"
	"strings"
)

type ConfigErr struct {
	errs []string
}

func (ce *ConfigErr) Add(s string) {
	ce.errs = append(ce.errs, s)
}

func (ce *ConfigErr) Error() string {
	return "config err: " + strings.Join(ce.errs, ",")
}

func (ce *ConfigErr) IsError() bool {
	return len(ce.errs) > 0
}

func NewConfigErr() ConfigErr {
	return ConfigErr{
		errs: []string{},
	}
}

type Meta struct {
	Description string `yaml:"description"`
	Host        string `yaml:"host"`
}

// Tags returns the meta information as error log tags
func (m Meta) Tags() map[string]string {
	return map[string]string{
		"app":         "cloakwatch",
		"host":        m.Host,
		"description": m.Description,
	}
}

// SecretFromEnv overrides the target with the value of an environment variable, if present,
// and clears the variable afterwards
func SecretFromEnv(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
		os.Unsetenv(key)
	}
}
