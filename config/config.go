package config

import (
	"encoding/hex"
	"os"

	"github.com/BurntSushi/toml"

	"overlord/crypto"
	"overlord/types"
)

// Config is the node-level configuration for an Overlord authority: network
// and storage settings for the example binary, plus the consensus timing
// and authority-selection knobs spec.md §6 names.
type Config struct {
	ListenAddress  string   `toml:"ListenAddress"`
	DataDir        string   `toml:"DataDir"`
	ValidatorKey   string   `toml:"ValidatorKey"`
	BootstrapPeers []string `toml:"BootstrapPeers"`

	Interval       uint64 `toml:"Interval"`
	ProposeRatio   uint64 `toml:"ProposeRatio"`
	PreVoteRatio   uint64 `toml:"PreVoteRatio"`
	PreCommitRatio uint64 `toml:"PreCommitRatio"`
	BrakeRatio     uint64 `toml:"BrakeRatio"`

	MaxExecBehind uint64 `toml:"MaxExecBehind"`
	AuthMode       string `toml:"AuthMode"`
}

// TimeConfig projects the timing fields into types.TimeConfig.
func (c *Config) TimeConfig() types.TimeConfig {
	return types.TimeConfig{
		IntervalMillis: c.Interval,
		ProposeRatio:   c.ProposeRatio,
		PreVoteRatio:   c.PreVoteRatio,
		PreCommitRatio: c.PreCommitRatio,
		BrakeRatio:     c.BrakeRatio,
	}
}

// SelectMode projects AuthMode into a types.SelectMode, defaulting to
// in-turn selection for anything unrecognized.
func (c *Config) SelectMode() types.SelectMode {
	if types.SelectMode(c.AuthMode) == types.SelectRandom {
		return types.SelectRandom
	}
	return types.SelectInTurn
}

// Load loads the configuration from path, writing out a freshly generated
// default (with a new validator key) if the file does not exist yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	if cfg.ValidatorKey == "" {
		key, err := crypto.GeneratePrivateKey()
		if err != nil {
			return nil, err
		}
		cfg.ValidatorKey = hex.EncodeToString(key.Bytes())

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, os.ModePerm)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		if err := toml.NewEncoder(f).Encode(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// createDefault creates and saves a default configuration file using the
// upstream default timing ratios (15/10/7/10 over a 3s nominal interval).
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	defaults := types.DefaultTimeConfig()
	cfg := &Config{
		ListenAddress:  ":26656",
		DataDir:        "./overlord-data",
		ValidatorKey:   hex.EncodeToString(key.Bytes()),
		BootstrapPeers: []string{},

		Interval:       defaults.IntervalMillis,
		ProposeRatio:   defaults.ProposeRatio,
		PreVoteRatio:   defaults.PreVoteRatio,
		PreCommitRatio: defaults.PreCommitRatio,
		BrakeRatio:     defaults.BrakeRatio,

		MaxExecBehind: 16,
		AuthMode:      string(types.SelectInTurn),
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
