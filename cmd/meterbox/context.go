package main

import (
	"strings"
	"sync"

	"meterbox/internal/config"
)

// commandContext resolves shared CLI state lazily: flags are parsed after
// construction, so config and address lookups must happen at run time.
type commandContext struct {
	addrFlag   *string
	configFlag *string

	mu  sync.Mutex
	cfg *config.Config
}

func newCommandContext(addrFlag, configFlag *string) *commandContext {
	return &commandContext{addrFlag: addrFlag, configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg != nil {
		return c.cfg, nil
	}
	cfg, _, _, err := config.Load(*c.configFlag)
	if err != nil {
		return nil, err
	}
	c.cfg = cfg
	return cfg, nil
}

// apiAddr returns the daemon address: the --addr flag when set, otherwise
// the configured bind address.
func (c *commandContext) apiAddr() (string, error) {
	if addr := strings.TrimSpace(*c.addrFlag); addr != "" {
		return addr, nil
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return "", err
	}
	return cfg.Paths.APIBind, nil
}

func (c *commandContext) client() (*apiClient, error) {
	addr, err := c.apiAddr()
	if err != nil {
		return nil, err
	}
	return newAPIClient(addr), nil
}
