// Package config is the TOML configuration shared by the audex binaries.
package config

import (
	"bytes"
	"encoding"
	"io"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
	"github.com/mitchellh/go-homedir"
	"golang.org/x/xerrors"

	"xdao.co/audex/content"
	"xdao.co/audex/storage/casconfig"
)

var _ encoding.TextMarshaler = (*Duration)(nil)
var _ encoding.TextUnmarshaler = (*Duration)(nil)

// Duration is a wrapper type for time.Duration
// for decoding and encoding from/to TOML
type Duration time.Duration

// UnmarshalText implements interface for TOML decoding
func (dur *Duration) UnmarshalText(text []byte) error {
	d, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*dur = Duration(d)
	return err
}

func (dur Duration) MarshalText() ([]byte, error) {
	d := time.Duration(dur)
	return []byte(d.String()), nil
}

type Config struct {
	Logging Logging
	Content Content
	Ledger  Ledger
	Catalog Catalog
	Engine  Engine
	Wallet  Wallet
	Metrics Metrics
}

type Logging struct {
	Level           string
	SubsystemLevels map[string]string
}

type Content struct {
	// MaxSize is the per-blob ceiling, e.g. "15 MiB".
	MaxSize      string
	AllowedMedia []string
	// StoreTimeout bounds one store round trip while resolving content.
	StoreTimeout Duration
	Store        casconfig.Config
}

type Ledger struct {
	// Endpoint is the websocket URL of an audex-ledgerd JSON-RPC endpoint.
	Endpoint               string
	ConfirmationDepth      uint64
	ConfirmationTimeout    Duration
	PollInterval           Duration
	ResubscribeMaxInterval Duration
	// Decimals is the number of fraction digits in one whole unit.
	Decimals int32
}

type Catalog struct {
	// StalenessHorizon is how many blocks an entry may lag the finalized
	// head before it is read through again. Zero disables the horizon.
	StalenessHorizon   uint64
	RebuildConcurrency int
	// ReadTimeout bounds one ledger read shared by concurrent lookups.
	ReadTimeout Duration
	// Follow keeps the cache current from the ledger event feed.
	Follow bool
}

type Engine struct {
	MaxAttempts          int
	ProtocolTimeout      Duration
	RetryInitialInterval Duration
	RetryMaxInterval     Duration
	MemoSize             int
	JournalPath          string
	RecoverInterval      Duration
}

type Wallet struct {
	KeyStore string
	// Default is a key reference ("[scheme:]name[/role]") used when a
	// command names no party.
	Default string
}

type Metrics struct {
	ListenAddress string
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	return &Config{
		Logging: Logging{Level: "info", SubsystemLevels: map[string]string{}},
		Content: Content{
			MaxSize:      "15 MiB",
			AllowedMedia: []string{string(content.Audio)},
			StoreTimeout: Duration(time.Minute),
			Store: casconfig.Config{
				WritePolicy: "first",
				Backends: []casconfig.BackendConfig{
					{Name: "localfs", Config: map[string]string{"dir": "~/.audex/cas"}},
				},
			},
		},
		Ledger: Ledger{
			Endpoint:               "ws://127.0.0.1:3470/rpc/v0",
			ConfirmationDepth:      3,
			ConfirmationTimeout:    Duration(2 * time.Minute),
			PollInterval:           Duration(time.Second),
			ResubscribeMaxInterval: Duration(30 * time.Second),
			Decimals:               18,
		},
		Catalog: Catalog{
			StalenessHorizon:   64,
			RebuildConcurrency: 8,
			ReadTimeout:        Duration(30 * time.Second),
			Follow:             true,
		},
		Engine: Engine{
			MaxAttempts:          4,
			ProtocolTimeout:      Duration(10 * time.Minute),
			RetryInitialInterval: Duration(500 * time.Millisecond),
			RetryMaxInterval:     Duration(15 * time.Second),
			MemoSize:             4096,
			JournalPath:          "~/.audex/journal",
			RecoverInterval:      Duration(time.Minute),
		},
		Wallet: Wallet{
			KeyStore: "~/.audex/keys",
		},
		Metrics: Metrics{
			ListenAddress: "127.0.0.1:9470",
		},
	}
}

// FromFile loads config from path on top of Default. A missing file yields
// the defaults.
func FromFile(path string) (*Config, error) {
	p, err := homedir.Expand(path)
	if err != nil {
		return nil, xerrors.Errorf("expanding config path: %w", err)
	}
	f, err := os.Open(p)
	switch {
	case os.IsNotExist(err):
		log.Infow("no config file, using defaults", "path", p)
		return Default(), nil
	case err != nil:
		return nil, xerrors.Errorf("opening config: %w", err)
	}
	defer f.Close() //nolint:errcheck
	return FromReader(f)
}

// FromReader decodes TOML from r on top of Default and validates the result.
func FromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	md, err := toml.NewDecoder(r).Decode(cfg)
	if err != nil {
		return nil, xerrors.Errorf("decoding config: %w", err)
	}
	if und := md.Undecoded(); len(und) > 0 {
		return nil, xerrors.Errorf("unknown config keys: %v", und)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Encode renders c as TOML.
func (c *Config) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return nil, xerrors.Errorf("encoding config: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *Config) Validate() error {
	if _, err := c.MaxContentSize(); err != nil {
		return err
	}
	if _, err := c.MediaClasses(); err != nil {
		return err
	}
	if err := c.Content.Store.Validate(); err != nil {
		return xerrors.Errorf("[Content.Store]: %w", err)
	}
	switch {
	case c.Ledger.ConfirmationDepth < 1:
		return xerrors.New("Ledger.ConfirmationDepth must be at least 1")
	case c.Ledger.Decimals < 0 || c.Ledger.Decimals > 36:
		return xerrors.Errorf("Ledger.Decimals must be between 0 and 36, got %d", c.Ledger.Decimals)
	case c.Engine.MaxAttempts < 1:
		return xerrors.New("Engine.MaxAttempts must be at least 1")
	case c.Engine.ProtocolTimeout <= 0:
		return xerrors.New("Engine.ProtocolTimeout must be positive")
	}
	return nil
}

// MaxContentSize parses Content.MaxSize.
func (c *Config) MaxContentSize() (uint64, error) {
	n, err := humanize.ParseBytes(c.Content.MaxSize)
	if err != nil {
		return 0, xerrors.Errorf("Content.MaxSize %q: %w", c.Content.MaxSize, err)
	}
	if n == 0 {
		return 0, xerrors.New("Content.MaxSize must be positive")
	}
	return n, nil
}

// MediaClasses parses Content.AllowedMedia.
func (c *Config) MediaClasses() ([]content.MediaClass, error) {
	if len(c.Content.AllowedMedia) == 0 {
		return nil, xerrors.New("Content.AllowedMedia must not be empty")
	}
	out := make([]content.MediaClass, 0, len(c.Content.AllowedMedia))
	for _, s := range c.Content.AllowedMedia {
		mc, err := content.ParseMediaClass(s)
		if err != nil {
			return nil, xerrors.Errorf("Content.AllowedMedia: %w", err)
		}
		out = append(out, mc)
	}
	return out, nil
}
