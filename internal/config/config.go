// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the threadfolder configuration file.
//
// The file is TOML.  Every setting has a default, so a missing file
// is the same as an empty one:
//
//	backend = "imap"
//	index_path = "~/.threadfolder.db"
//
//	[resolver]
//	max_concurrent_lookups = 6
//	lookup_timeout_ms = 5000
//	result_cache_capacity = 500
//	retry_thread_size_threshold = 3
//
//	[imap]
//	address = "imap.example.com:993"
//	username = "alice"
//	password = "secret"
//
//	[log]
//	level = "info"
package config

import (
	"os"
	"sort"
	"strings"
	"time"

	"github.com/matta/threadfolder/internal/homedir"
	"github.com/matta/threadfolder/internal/resolve"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Backends names the supported message stores.
var Backends = []string{"gmail", "imap", "maildir", "notmuch", "index"}

type ResolverConfig struct {
	MaxConcurrentLookups     int `toml:"max_concurrent_lookups"`
	LookupTimeoutMS          int `toml:"lookup_timeout_ms"`
	ResultCacheCapacity      int `toml:"result_cache_capacity"`
	RetryThreadSizeThreshold int `toml:"retry_thread_size_threshold"`
}

type IMAPConfig struct {
	// host:port of the server.
	Address  string `toml:"address"`
	Username string `toml:"username"`
	Password string `toml:"password"`

	// Plain text connections are only for testing.
	Insecure bool `toml:"insecure"`

	PageSize int `toml:"page_size"`
}

type MaildirConfig struct {
	Path     string `toml:"path"`
	PageSize int    `toml:"page_size"`
}

type GmailConfig struct {
	// The external program printing an OAuth 2.0 access token for
	// its arguments: user and scope.
	SSOCommand string `toml:"sso_command"`
	User       string `toml:"user"`
	APIKey     string `toml:"api_key"`
	PageSize   int64  `toml:"page_size"`
}

type NotmuchConfig struct {
	// The notmuch binary; "notmuch" when empty.
	Command  string `toml:"command"`
	PageSize int    `toml:"page_size"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

type Config struct {
	Backend   string         `toml:"backend"`
	IndexPath string         `toml:"index_path"`
	Resolver  ResolverConfig `toml:"resolver"`
	IMAP      IMAPConfig     `toml:"imap"`
	Maildir   MaildirConfig  `toml:"maildir"`
	Gmail     GmailConfig    `toml:"gmail"`
	Notmuch   NotmuchConfig  `toml:"notmuch"`
	Log       LogConfig      `toml:"log"`
}

// DefaultPath returns ~/.threadfolder.toml.
func DefaultPath() (string, error) {
	return homedir.Expand("~/.threadfolder.toml")
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	r := resolve.DefaultConfig()
	return &Config{
		Backend:   "maildir",
		IndexPath: "~/.threadfolder.db",
		Resolver: ResolverConfig{
			MaxConcurrentLookups:     r.MaxConcurrentLookups,
			LookupTimeoutMS:          int(r.LookupTimeout / time.Millisecond),
			ResultCacheCapacity:      r.ResultCacheCapacity,
			RetryThreadSizeThreshold: r.RetryThreshold,
		},
		IMAP:    IMAPConfig{PageSize: 50},
		Maildir: MaildirConfig{Path: "~/Maildir", PageSize: 100},
		Gmail:   GmailConfig{PageSize: 100},
		Notmuch: NotmuchConfig{PageSize: 100},
		Log:     LogConfig{Level: "info"},
	}
}

// Load reads the file at path over the defaults.  A missing file
// yields the defaults.  Unknown keys are an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, cfg.finish()
	}
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return nil, errors.Errorf("reading config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	if err := cfg.finish(); err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}
	return cfg, nil
}

func (c *Config) finish() error {
	var err error
	if c.IndexPath, err = homedir.Expand(c.IndexPath); err != nil {
		return err
	}
	if c.Maildir.Path, err = homedir.Expand(c.Maildir.Path); err != nil {
		return err
	}
	return c.Validate()
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	known := false
	for _, b := range Backends {
		known = known || b == c.Backend
	}
	if !known {
		return errors.Errorf("unknown backend %q, want one of %s", c.Backend, strings.Join(Backends, ", "))
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	if c.Backend == "imap" && c.IMAP.Address == "" {
		return errors.New("imap backend needs imap.address")
	}
	return c.ResolverConfig().Validate()
}

// ResolverConfig returns the resolver tunables.
func (c *Config) ResolverConfig() resolve.Config {
	return resolve.Config{
		MaxConcurrentLookups: c.Resolver.MaxConcurrentLookups,
		LookupTimeout:        time.Duration(c.Resolver.LookupTimeoutMS) * time.Millisecond,
		ResultCacheCapacity:  c.Resolver.ResultCacheCapacity,
		RetryThreshold:       c.Resolver.RetryThreadSizeThreshold,
	}
}

// LogLevel parses the configured log level.
func (c *Config) LogLevel() (zerolog.Level, error) {
	l, err := zerolog.ParseLevel(c.Log.Level)
	if err != nil {
		return zerolog.NoLevel, errors.Wrapf(err, "log level %q", c.Log.Level)
	}
	return l, nil
}
