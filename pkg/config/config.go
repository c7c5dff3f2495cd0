// Copyright 2024-2026 Aiku AI

// Package config loads and validates the relay configuration file.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/aiku/chatrelay/pkg/relay"
)

//go:embed example-config.yaml
var ExampleConfig string

// EnvPrefix is prepended to the names of environment overrides.
const EnvPrefix = "CHATRELAY_"

// Config is the full relay configuration.
type Config struct {
	ForwardList ForwardList       `yaml:"forward_list"`
	Relay       RelayConfig       `yaml:"relay"`
	AdminAPI    AdminAPIConfig    `yaml:"admin_api"`
	Mattermost  MattermostConfig  `yaml:"mattermost"`
	Matrix      MatrixConfig      `yaml:"matrix"`
	Logging     zeroconfig.Config `yaml:"logging"`
}

// ChatID is a chat or user id that may be written as a number or a string.
type ChatID string

func (c *ChatID) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a chat id, got a %s", node.Line, kindName(node.Kind))
	}
	if node.Tag == "!!null" {
		*c = ""
		return nil
	}
	*c = ChatID(node.Value)
	return nil
}

func kindName(k yaml.Kind) string {
	switch k {
	case yaml.MappingNode:
		return "mapping"
	case yaml.SequenceNode:
		return "list"
	default:
		return "non-scalar value"
	}
}

// ForwardList holds the bot accounts and routing rules.
type ForwardList struct {
	Accounts map[string]ChatID `yaml:"accounts"`
	Topology []Rule            `yaml:"topology"`
	Default  []DefaultRule     `yaml:"default"`
}

// Rule is one explicit topology rule.
type Rule struct {
	From        string `yaml:"from"`
	FromChat    ChatID `yaml:"from_chat"`
	To          string `yaml:"to"`
	ToChat      ChatID `yaml:"to_chat"`
	ForwardType string `yaml:"forward_type"`
}

// DefaultRule is one fallback destination for a platform.
type DefaultRule struct {
	From   string `yaml:"from"`
	To     string `yaml:"to"`
	ToChat ChatID `yaml:"to_chat"`
}

// RelayConfig tunes the dispatch core.
type RelayConfig struct {
	DataRoot string `yaml:"data_root"`
	// ResolveTimeout is in seconds.
	ResolveTimeout int    `yaml:"resolve_timeout"`
	RelationDB     string `yaml:"relation_db"`
	// RelationMaxAge is in hours.
	RelationMaxAge int `yaml:"relation_max_age"`
	// PurgeInterval is in minutes.
	PurgeInterval int `yaml:"purge_interval"`
}

// AdminAPIConfig configures the admin HTTP API.
type AdminAPIConfig struct {
	Address string `yaml:"address"`
	Token   string `yaml:"token"`
}

// MattermostConfig configures the Mattermost driver.
type MattermostConfig struct {
	Enabled   bool   `yaml:"enabled"`
	ServerURL string `yaml:"server_url"`
	Token     string `yaml:"token"`
	BotPrefix string `yaml:"bot_prefix"`
	Platform  string `yaml:"platform"`
}

// MatrixConfig configures the Matrix driver.
type MatrixConfig struct {
	Enabled       bool   `yaml:"enabled"`
	HomeserverURL string `yaml:"homeserver_url"`
	UserID        string `yaml:"user_id"`
	AccessToken   string `yaml:"access_token"`
	Platform      string `yaml:"platform"`
}

// secretOverrides are read from the environment after the file.
type secretOverrides struct {
	MattermostToken   string `env:"MATTERMOST_TOKEN"`
	MatrixAccessToken string `env:"MATRIX_ACCESS_TOKEN"`
	AdminToken        string `env:"ADMIN_TOKEN"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Map, "forward_list", "accounts")
	helper.Copy(up.List, "forward_list", "topology")
	helper.Copy(up.List, "forward_list", "default")

	helper.Copy(up.Str, "relay", "data_root")
	helper.Copy(up.Int, "relay", "resolve_timeout")
	helper.Copy(up.Str|up.Null, "relay", "relation_db")
	helper.Copy(up.Int, "relay", "relation_max_age")
	helper.Copy(up.Int, "relay", "purge_interval")

	helper.Copy(up.Str|up.Null, "admin_api", "address")
	helper.Copy(up.Str|up.Null, "admin_api", "token")

	helper.Copy(up.Bool, "mattermost", "enabled")
	helper.Copy(up.Str, "mattermost", "server_url")
	helper.Copy(up.Str|up.Null, "mattermost", "token")
	helper.Copy(up.Str|up.Null, "mattermost", "bot_prefix")
	helper.Copy(up.Str, "mattermost", "platform")

	helper.Copy(up.Bool, "matrix", "enabled")
	helper.Copy(up.Str, "matrix", "homeserver_url")
	helper.Copy(up.Str, "matrix", "user_id")
	helper.Copy(up.Str|up.Null, "matrix", "access_token")
	helper.Copy(up.Str, "matrix", "platform")

	helper.Copy(up.Map, "logging")
}

// requiredKeys must be present in the user's file. The example config
// provides placeholders for them, so they are checked before upgrading.
var requiredKeys = [][]string{
	{"forward_list", "accounts"},
	{"forward_list", "topology"},
	{"forward_list", "default"},
}

// Upgrade merges data into the example config and returns the result.
func Upgrade(data []byte) ([]byte, error) {
	var cfgNode yaml.Node
	if err := yaml.Unmarshal(data, &cfgNode); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	var missing []string
	for _, path := range requiredKeys {
		if lookup(&cfgNode, path...) == nil {
			missing = append(missing, strings.Join(path, ".")+" is required")
		}
	}
	if len(missing) > 0 {
		return nil, &ValidationError{Problems: missing}
	}

	var baseNode yaml.Node
	if err := yaml.Unmarshal([]byte(ExampleConfig), &baseNode); err != nil {
		return nil, fmt.Errorf("failed to parse example config: %w", err)
	}
	upgradeConfig(up.NewHelper(&baseNode, &cfgNode))

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(4)
	if err := enc.Encode(&baseNode); err != nil {
		return nil, fmt.Errorf("failed to encode upgraded config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode upgraded config: %w", err)
	}
	return buf.Bytes(), nil
}

// lookup walks mapping keys from the document root.
func lookup(node *yaml.Node, path ...string) *yaml.Node {
	if node.Kind == yaml.DocumentNode {
		if len(node.Content) == 0 {
			return nil
		}
		node = node.Content[0]
	}
	for _, key := range path {
		if node.Kind != yaml.MappingNode {
			return nil
		}
		var next *yaml.Node
		for i := 0; i+1 < len(node.Content); i += 2 {
			if node.Content[i].Value == key {
				next = node.Content[i+1]
				break
			}
		}
		if next == nil {
			return nil
		}
		node = next
	}
	return node
}

// Load reads, upgrades and validates the config at path. When save is set
// and the upgrade changed the file, the upgraded file is written back.
func Load(path string, save bool) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	upgraded, err := Upgrade(data)
	if err != nil {
		return nil, err
	}
	if save && !bytes.Equal(upgraded, data) {
		if err := writeFile(path, upgraded); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := yaml.Unmarshal(upgraded, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func writeFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to save upgraded config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to save upgraded config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to save upgraded config: %w", err)
	}
	if info, err := os.Stat(path); err == nil {
		_ = os.Chmod(tmp.Name(), info.Mode().Perm())
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to save upgraded config: %w", err)
	}
	return nil
}

// LoadEnvFiles loads .env style files into the process environment. Missing
// files are ignored.
func LoadEnvFiles(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

func (c *Config) applyEnv() error {
	var o secretOverrides
	if err := env.ParseWithOptions(&o, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("failed to read environment overrides: %w", err)
	}
	if o.MattermostToken != "" {
		c.Mattermost.Token = o.MattermostToken
	}
	if o.MatrixAccessToken != "" {
		c.Matrix.AccessToken = o.MatrixAccessToken
	}
	if o.AdminToken != "" {
		c.AdminAPI.Token = o.AdminToken
	}
	return nil
}

// Accounts returns the bot account map keyed by platform.
func (c *Config) Accounts() map[string]string {
	out := make(map[string]string, len(c.ForwardList.Accounts))
	for platform, id := range c.ForwardList.Accounts {
		out[platform] = string(id)
	}
	return out
}

// Rules converts the topology block for relay.BuildTopology.
func (c *Config) Rules() []relay.Rule {
	out := make([]relay.Rule, 0, len(c.ForwardList.Topology))
	for _, r := range c.ForwardList.Topology {
		out = append(out, relay.Rule{
			From:        r.From,
			FromChat:    string(r.FromChat),
			To:          r.To,
			ToChat:      string(r.ToChat),
			ForwardType: r.ForwardType,
		})
	}
	return out
}

// Defaults converts the default block for relay.BuildTopology.
func (c *Config) Defaults() []relay.DefaultRule {
	out := make([]relay.DefaultRule, 0, len(c.ForwardList.Default))
	for _, r := range c.ForwardList.Default {
		out = append(out, relay.DefaultRule{From: r.From, To: r.To, ToChat: string(r.ToChat)})
	}
	return out
}

func (r RelayConfig) ResolveTimeoutDuration() time.Duration {
	return time.Duration(r.ResolveTimeout) * time.Second
}

func (r RelayConfig) RelationMaxAgeDuration() time.Duration {
	return time.Duration(r.RelationMaxAge) * time.Hour
}

func (r RelayConfig) PurgeIntervalDuration() time.Duration {
	return time.Duration(r.PurgeInterval) * time.Minute
}
