// Package config loads the repository configuration from YAML and
// validates it against an embedded CUE schema.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/roach88/docstore/internal/binary"
	"github.com/roach88/docstore/internal/cluster"
	"github.com/roach88/docstore/internal/isolation"
	"github.com/roach88/docstore/internal/store"
)

//go:embed schema.cue
var schemaCUE string

// Duration is a time.Duration written as a Go duration string ("1s",
// "50ms") in YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// MarshalText renders d for schema validation.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Clustering configures the cluster coordinator.
type Clustering struct {
	Enabled bool     `yaml:"enabled" json:"enabled"`
	Delay   Duration `yaml:"delay" json:"delay"`
}

// BinaryStore configures the blob store. Depth and Digest apply to a new
// store only.
type BinaryStore struct {
	Path   string `yaml:"path" json:"path"`
	Depth  int    `yaml:"depth" json:"depth"`
	Digest string `yaml:"digest" json:"digest"`
}

// GC configures the binary garbage collector.
type GC struct {
	SafetyMargin Duration `yaml:"safety_margin" json:"safety_margin"`
}

// Retry bounds conflict retries on isolation runners.
type Retry struct {
	Attempts  int      `yaml:"attempts" json:"attempts"`
	Initial   Duration `yaml:"initial" json:"initial"`
	Increment Duration `yaml:"increment" json:"increment"`
}

// Config is the repository configuration.
type Config struct {
	Repository  string       `yaml:"repository" json:"repository"`
	Database    string       `yaml:"database" json:"database"`
	IDType      store.IDType `yaml:"id_type" json:"id_type"`
	Clustering  Clustering   `yaml:"clustering" json:"clustering"`
	BinaryStore BinaryStore  `yaml:"binary_store" json:"binary_store"`
	GC          GC           `yaml:"gc" json:"gc"`
	Retry       Retry        `yaml:"retry" json:"retry"`
}

// Default returns the configuration used for keys a file leaves out.
func Default() Config {
	p := isolation.DefaultRetryPolicy()
	return Config{
		Repository: "default",
		Database:   "docstore.db",
		IDType:     store.IDTypeVarchar,
		Clustering: Clustering{
			Enabled: false,
			Delay:   Duration(cluster.DefaultDelay),
		},
		BinaryStore: BinaryStore{
			Path:   "binaries",
			Depth:  binary.DefaultDepth,
			Digest: binary.DefaultDigest,
		},
		GC: GC{SafetyMargin: Duration(binary.DefaultMargin)},
		Retry: Retry{
			Attempts:  p.Attempts,
			Initial:   Duration(p.Initial),
			Increment: Duration(p.Increment),
		},
	}
}

// Load reads and validates the file at path. Relative database and binary
// store paths are resolved against the file's directory.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	cfg.Resolve(filepath.Dir(path))
	return cfg, nil
}

// Parse decodes YAML over Default and validates the result. Unknown keys
// are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Resolve makes relative paths absolute against dir.
func (c *Config) Resolve(dir string) {
	if !filepath.IsAbs(c.Database) {
		c.Database = filepath.Join(dir, c.Database)
	}
	if !filepath.IsAbs(c.BinaryStore.Path) {
		c.BinaryStore.Path = filepath.Join(dir, c.BinaryStore.Path)
	}
}

// Validate checks c against the embedded CUE schema.
func (c Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE).LookupPath(cue.ParsePath("#Config"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	v := ctx.Encode(c)
	if err := v.Err(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := schema.Unify(v).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Marshal renders c as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// RetryPolicy returns the isolation retry policy for c.
func (c Config) RetryPolicy() isolation.RetryPolicy {
	return isolation.RetryPolicy{
		Attempts:  c.Retry.Attempts,
		Initial:   time.Duration(c.Retry.Initial),
		Increment: time.Duration(c.Retry.Increment),
	}
}
