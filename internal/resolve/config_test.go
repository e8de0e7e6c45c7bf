package resolve

import (
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		modify func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"no lookups", func(c *Config) { c.MaxConcurrentLookups = 0 }, false},
		{"negative timeout", func(c *Config) { c.LookupTimeout = -time.Second }, false},
		{"no cache", func(c *Config) { c.ResultCacheCapacity = 0 }, false},
		{"no threshold", func(c *Config) { c.RetryThreshold = 0 }, false},
		{"single lookup", func(c *Config) { c.MaxConcurrentLookups = 1 }, true},
	}
	for _, tc := range cases {
		cfg := DefaultConfig()
		tc.modify(&cfg)
		if err := cfg.Validate(); (err == nil) != tc.ok {
			t.Errorf("%s: Validate() = %v, want ok %v", tc.name, err, tc.ok)
		}
	}
}
