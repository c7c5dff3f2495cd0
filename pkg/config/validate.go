// Copyright 2024-2026 Aiku AI

package config

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aiku/chatrelay/pkg/relay"
)

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid configuration: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid configuration (%d problems): %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

// Validate checks the configuration and returns a *ValidationError when
// anything is wrong. Forwarding rules are checked by relay.BuildTopology, so
// unknown forward types are not errors here either.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	for platform, id := range c.ForwardList.Accounts {
		if platform == "" || id == "" {
			add("forward_list.accounts: platform %q has an empty account id", platform)
		}
	}
	if _, err := relay.BuildTopology(zerolog.Nop(), c.Rules(), c.Defaults()); err != nil {
		for _, rerr := range unjoin(err) {
			add("forward_list.%s", strings.TrimPrefix(rerr.Error(), relay.ErrInvalidRule.Error()+": "))
		}
	}

	if c.Relay.ResolveTimeout <= 0 {
		add("relay.resolve_timeout must be positive")
	}
	if c.Relay.RelationMaxAge <= 0 {
		add("relay.relation_max_age must be positive")
	}
	if c.Relay.PurgeInterval <= 0 {
		add("relay.purge_interval must be positive")
	}
	if c.Relay.DataRoot == "" {
		add("relay.data_root is required")
	}

	if c.Mattermost.Enabled {
		if c.Mattermost.ServerURL == "" {
			add("mattermost.server_url is required")
		}
		if c.Mattermost.Token == "" {
			add("mattermost.token is required")
		}
		c.checkAccount(add, "mattermost", c.Mattermost.Platform)
	}
	if c.Matrix.Enabled {
		if c.Matrix.HomeserverURL == "" {
			add("matrix.homeserver_url is required")
		}
		if c.Matrix.UserID == "" {
			add("matrix.user_id is required")
		}
		if c.Matrix.AccessToken == "" {
			add("matrix.access_token is required")
		}
		c.checkAccount(add, "matrix", c.Matrix.Platform)
	}
	if c.Mattermost.Enabled && c.Matrix.Enabled && c.Mattermost.Platform == c.Matrix.Platform {
		add("mattermost.platform and matrix.platform must differ")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func (c *Config) checkAccount(add func(string, ...any), block, platform string) {
	if platform == "" {
		add("%s.platform is required", block)
		return
	}
	if _, ok := c.ForwardList.Accounts[platform]; !ok {
		add("forward_list.accounts has no entry for enabled platform %q", platform)
	}
}

// unjoin splits an errors.Join result into its parts.
func unjoin(err error) []error {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}
