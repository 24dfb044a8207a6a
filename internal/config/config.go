package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultMaxVisible   = 250
	defaultDBPath       = "chain-feed.db"
	defaultPollInterval = 2 * time.Second
)

// Substrate head subscriptions.
const (
	HeadsNew       = "new"
	HeadsFinalized = "finalized"
)

// DefaultExclude is applied when neither the source nor the global section sets exclude.
var DefaultExclude = []string{"system:ExtrinsicSuccess"}

// Config holds the YAML configuration.
type Config struct {
	Version int          `yaml:"version"`
	Global  GlobalConfig `yaml:"global"`
	Sources []Source     `yaml:"sources"`
	Sinks   []Sink       `yaml:"sinks"`
}

type GlobalConfig struct {
	DBPath        string            `yaml:"db_path"`
	MaxVisible    int               `yaml:"max_visible"`
	Exclude       []string          `yaml:"exclude"`
	Confirmations map[string]uint64 `yaml:"confirmations"`
}

type Source struct {
	ID           string   `yaml:"id"`
	Type         string   `yaml:"type"`
	Exclude      []string `yaml:"exclude"`
	Sinks        []string `yaml:"sinks"`
	PollInterval string   `yaml:"poll_interval"`

	// substrate: heads come from the node, decoded events from a Substrate API Sidecar
	WSURL      string `yaml:"ws_url"`
	Heads      string `yaml:"heads"`
	SidecarURL string `yaml:"sidecar_url"`

	// evm (rpc_url is also the substrate HTTP endpoint)
	RPCURL     string     `yaml:"rpc_url"`
	StartBlock string     `yaml:"start_block"`
	ABIDirs    []string   `yaml:"abi_dirs"`
	Contracts  []Contract `yaml:"contracts"`

	// algorand
	AlgodURL       string `yaml:"algod_url"`
	AlgodToken     string `yaml:"algod_token"`
	StartRound     string `yaml:"start_round"`
	Apps           []App  `yaml:"apps"`
	AssetTransfers bool   `yaml:"asset_transfers"`
}

// Contract names an EVM contract and the event signatures to decode from it.
type Contract struct {
	Name    string   `yaml:"name"`
	Address string   `yaml:"address"`
	Events  []string `yaml:"events"`
}

// App names an Algorand application whose calls become feed events.
type App struct {
	Name  string `yaml:"name"`
	AppID uint64 `yaml:"app_id"`
}

type Sink struct {
	ID         string  `yaml:"id"`
	Type       string  `yaml:"type"`
	WebhookURL string  `yaml:"webhook_url"`
	Template   string  `yaml:"template"`
	URL        string  `yaml:"url"`
	Method     string  `yaml:"method"`
	RatePerSec float64 `yaml:"rate_per_sec"`
	Burst      float64 `yaml:"burst"`

	// mqtt
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      byte   `yaml:"qos"`
}

var envPattern = regexp.MustCompile(`\${([A-Za-z_][A-Za-z0-9_]*)}`)

// Load reads, interpolates env vars, parses YAML, and validates.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}

	if err := loadDotEnv(path); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	interpolated, err := interpolateEnv(string(raw))
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv(configPath string) error {
	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}
	return nil
}

func interpolateEnv(input string) (string, error) {
	missing := []string{}
	out := envPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		missing = append(missing, name)
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("missing environment variables: %s", strings.Join(dedup(missing), ", "))
	}
	return out, nil
}

// Validate performs small, direct schema checks and fills defaults.
func (c *Config) Validate() error {
	if c.Version == 0 {
		return errors.New("version is required")
	}
	if len(c.Sources) == 0 {
		return errors.New("at least one source is required")
	}
	if c.Global.MaxVisible < 0 {
		return errors.New("global.max_visible must not be negative")
	}
	if c.Global.MaxVisible == 0 {
		c.Global.MaxVisible = defaultMaxVisible
	}
	if c.Global.DBPath == "" {
		c.Global.DBPath = defaultDBPath
	}

	sinkIDs := map[string]struct{}{}
	for i := range c.Sinks {
		s := &c.Sinks[i]
		if _, exists := sinkIDs[s.ID]; exists {
			return fmt.Errorf("duplicate sink id: %s", s.ID)
		}
		sinkIDs[s.ID] = struct{}{}
		if err := s.Validate(); err != nil {
			return fmt.Errorf("sink %s: %w", s.ID, err)
		}
	}

	sourceIDs := map[string]struct{}{}
	for i := range c.Sources {
		s := &c.Sources[i]
		if _, exists := sourceIDs[s.ID]; exists {
			return fmt.Errorf("duplicate source id: %s", s.ID)
		}
		sourceIDs[s.ID] = struct{}{}
		if err := s.Validate(); err != nil {
			return fmt.Errorf("source %s: %w", s.ID, err)
		}
		for _, sinkID := range s.Sinks {
			if _, ok := sinkIDs[sinkID]; !ok {
				return fmt.Errorf("source %s: unknown sink: %s", s.ID, sinkID)
			}
		}
	}

	return nil
}

// ExcludeFor returns the excluded display-name prefixes of a source. An
// explicit empty list on the source disables filtering.
func (c *Config) ExcludeFor(s Source) []string {
	if s.Exclude != nil {
		return s.Exclude
	}
	if c.Global.Exclude != nil {
		return c.Global.Exclude
	}
	return DefaultExclude
}

func (s *Source) Validate() error {
	if s.ID == "" {
		return errors.New("id is required")
	}
	if _, err := s.Interval(); err != nil {
		return err
	}
	switch strings.ToLower(s.Type) {
	case "substrate":
		if s.WSURL == "" {
			return errors.New("ws_url is required for substrate sources")
		}
		if s.SidecarURL == "" {
			return errors.New("sidecar_url is required for substrate sources")
		}
		switch s.Heads {
		case "":
			s.Heads = HeadsNew
		case HeadsNew, HeadsFinalized:
		default:
			return fmt.Errorf("heads must be %q or %q", HeadsNew, HeadsFinalized)
		}
		if s.RPCURL == "" {
			s.RPCURL = httpURL(s.WSURL)
		}
	case "evm":
		if s.RPCURL == "" {
			return errors.New("rpc_url is required for evm sources")
		}
		if len(s.Contracts) == 0 {
			return errors.New("at least one contract is required for evm sources")
		}
		for _, c := range s.Contracts {
			if c.Address == "" || len(c.Events) == 0 {
				return fmt.Errorf("contract %q: address and events are required", c.Name)
			}
		}
	case "algorand":
		if s.AlgodURL == "" {
			return errors.New("algod_url is required for algorand sources")
		}
		if len(s.Apps) == 0 && !s.AssetTransfers {
			return errors.New("apps or asset_transfers is required for algorand sources")
		}
		for _, a := range s.Apps {
			if a.AppID == 0 {
				return fmt.Errorf("app %q: app_id is required", a.Name)
			}
		}
	default:
		return fmt.Errorf("unsupported source type: %s", s.Type)
	}
	return nil
}

// Interval returns the polling interval of polled sources.
func (s *Source) Interval() (time.Duration, error) {
	if s.PollInterval == "" {
		return defaultPollInterval, nil
	}
	d, err := time.ParseDuration(s.PollInterval)
	if err != nil {
		return 0, fmt.Errorf("parse poll_interval %q: %w", s.PollInterval, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("poll_interval must be positive, got %s", s.PollInterval)
	}
	return d, nil
}

func (s *Sink) Validate() error {
	if s.ID == "" {
		return errors.New("id is required")
	}
	if s.Type == "" {
		return errors.New("type is required")
	}
	if s.RatePerSec < 0 || s.Burst < 0 {
		return errors.New("rate_per_sec and burst must not be negative")
	}

	switch strings.ToLower(s.Type) {
	case "slack", "teams":
		if s.WebhookURL == "" {
			return errors.New("webhook_url is required for slack/teams sinks")
		}
	case "webhook":
		if s.URL == "" {
			return errors.New("url is required for webhook sink")
		}
		if s.Method == "" {
			s.Method = "POST"
		}
	case "mqtt":
		if s.Broker == "" || s.Topic == "" {
			return errors.New("broker and topic are required for mqtt sink")
		}
		if s.QoS > 2 {
			return fmt.Errorf("qos must be 0, 1 or 2, got %d", s.QoS)
		}
	case "log":
	default:
		return fmt.Errorf("unsupported sink type: %s", s.Type)
	}
	return nil
}

func httpURL(wsURL string) string {
	switch {
	case strings.HasPrefix(wsURL, "wss://"):
		return "https://" + strings.TrimPrefix(wsURL, "wss://")
	case strings.HasPrefix(wsURL, "ws://"):
		return "http://" + strings.TrimPrefix(wsURL, "ws://")
	default:
		return wsURL
	}
}

func dedup(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
