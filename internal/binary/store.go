// Package binary stores immutable content-addressed blobs on the local
// filesystem and reclaims unreferenced ones with a mark-and-sweep
// collector.
//
// Layout under the base directory:
//
//	data/<aa>/<bb>/<digest>   committed blobs, sharded by digest prefix
//	tmp/                      in-flight writes
//	config.yaml               sharding depth and digest algorithm
package binary

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/docstore/internal/metrics"
)

const (
	dataDir    = "data"
	tmpDir     = "tmp"
	configFile = "config.yaml"
)

// Defaults written to config.yaml on first start.
const (
	DefaultDepth  = 2
	DefaultDigest = "md5"
)

var digests = map[string]func() hash.Hash{
	"md5":    md5.New,
	"sha1":   sha1.New,
	"sha256": sha256.New,
}

// Config is the on-disk store configuration. It is fixed once the store
// holds data: changing it would orphan every committed blob.
type Config struct {
	Depth  int    `yaml:"depth"`
	Digest string `yaml:"digest"`
}

func (c Config) validate() error {
	if c.Depth < 0 {
		return fmt.Errorf("invalid depth %d", c.Depth)
	}
	if _, ok := digests[c.Digest]; !ok {
		return fmt.Errorf("unsupported digest %q", c.Digest)
	}
	return nil
}

// Binary is a committed blob.
type Binary struct {
	Digest string
	Length int64
	Path   string
}

// Open opens the blob for reading.
func (b *Binary) Open() (io.ReadCloser, error) {
	return os.Open(b.Path)
}

// Store is a content-addressed blob store rooted at one directory.
//
// Thread-safety: All methods are safe for concurrent use, including by
// several processes sharing the directory.
type Store struct {
	base    string
	data    string
	tmp     string
	cfg     Config
	newHash func() hash.Hash
	gc      *GarbageCollector
}

// Option configures Open.
type Option func(*options)

type options struct {
	cfg Config
	gc  []GCOption
}

// WithDepth sets the sharding depth for a new store. Ignored when
// config.yaml already exists.
func WithDepth(depth int) Option {
	return func(o *options) {
		o.cfg.Depth = depth
	}
}

// WithDigest sets the digest algorithm (md5, sha1, sha256) for a new
// store. Ignored when config.yaml already exists.
func WithDigest(alg string) Option {
	return func(o *options) {
		o.cfg.Digest = alg
	}
}

// WithGCOptions configures the store's garbage collector.
func WithGCOptions(opts ...GCOption) Option {
	return func(o *options) {
		o.gc = append(o.gc, opts...)
	}
}

// WithMetrics installs metrics on the garbage collector.
func WithMetrics(m *metrics.Metrics) Option {
	return WithGCOptions(WithGCMetrics(m))
}

// Open opens or creates the store at base. On first start config.yaml is
// written from the options; later starts read it back.
func Open(base string, opts ...Option) (*Store, error) {
	o := options{cfg: Config{Depth: DefaultDepth, Digest: DefaultDigest}}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Store{
		base: base,
		data: filepath.Join(base, dataDir),
		tmp:  filepath.Join(base, tmpDir),
	}
	for _, dir := range []string{s.data, s.tmp} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("open binary store: %w", err)
		}
	}

	cfg, err := loadConfig(filepath.Join(base, configFile), o.cfg)
	if err != nil {
		return nil, fmt.Errorf("open binary store: %w", err)
	}
	s.cfg = cfg
	s.newHash = digests[cfg.Digest]
	s.gc = newGarbageCollector(s, o.gc...)

	slog.Info("binary store opened", "path", base, "depth", cfg.Depth, "digest", cfg.Digest)
	return s, nil
}

// loadConfig reads path, or writes def to it if it does not exist.
func loadConfig(path string, def Config) (Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		if err := def.validate(); err != nil {
			return Config{}, err
		}
		out, err := yaml.Marshal(def)
		if err != nil {
			return Config{}, err
		}
		if err := os.WriteFile(path, out, 0o644); err != nil {
			return Config{}, err
		}
		return def, nil
	}
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Config returns the store configuration.
func (s *Store) Config() Config {
	return s.cfg
}

// Path returns the base directory.
func (s *Store) Path() string {
	return s.base
}

// GC returns the store's garbage collector.
func (s *Store) GC() *GarbageCollector {
	return s.gc
}

// GetBinaryFromReader streams r into the store and returns the committed
// blob. Identical content is stored once: if the digest is already present
// the new copy is discarded.
func (s *Store) GetBinaryFromReader(ctx context.Context, r io.Reader) (*Binary, error) {
	tmp, err := os.CreateTemp(s.tmp, "bin-*")
	if err != nil {
		return nil, fmt.Errorf("store binary: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	h := s.newHash()
	n, err := io.Copy(io.MultiWriter(tmp, h), ctxReader{ctx: ctx, r: r})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("store binary: %w", err)
	}
	digest := hex.EncodeToString(h.Sum(nil))

	final, err := s.FileForDigest(digest, true)
	if err != nil {
		return nil, fmt.Errorf("store binary: %w", err)
	}
	if _, err := os.Stat(final); err == nil {
		slog.Debug("binary already stored", "digest", digest)
		return &Binary{Digest: digest, Length: n, Path: final}, nil
	}
	// Rename is atomic; a concurrent writer of the same digest wrote the
	// same bytes, so whichever rename lands last is equivalent.
	if err := os.Rename(tmpPath, final); err != nil {
		return nil, fmt.Errorf("store binary %s: %w", digest, err)
	}
	committed = true
	slog.Debug("binary stored", "digest", digest, "length", n)
	return &Binary{Digest: digest, Length: n, Path: final}, nil
}

// GetBinary returns the committed blob for digest, or nil if digest is
// malformed or not stored.
func (s *Store) GetBinary(digest string) *Binary {
	path, err := s.FileForDigest(digest, false)
	if err != nil {
		slog.Debug("invalid digest", "digest", digest, "error", err)
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		slog.Warn("cannot fetch binary content", "digest", digest, "path", path, "error", err)
		return nil
	}
	return &Binary{Digest: digest, Length: info.Size(), Path: path}
}

// FileForDigest returns the path of digest's file. With createDir the
// shard directories are created.
func (s *Store) FileForDigest(digest string, createDir bool) (string, error) {
	if digest == "" || len(digest) < 2*s.cfg.Depth {
		return "", fmt.Errorf("digest %q too short for depth %d", digest, s.cfg.Depth)
	}
	if _, err := hex.DecodeString(digest); err != nil || strings.ToLower(digest) != digest {
		return "", fmt.Errorf("digest %q is not lowercase hex", digest)
	}
	parts := make([]string, 0, s.cfg.Depth+1)
	parts = append(parts, s.data)
	for i := 0; i < s.cfg.Depth; i++ {
		parts = append(parts, digest[2*i:2*i+2])
	}
	dir := filepath.Join(parts...)
	if createDir {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}
	return filepath.Join(dir, digest), nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
