package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"sync"

	"github.com/mickamy/grpc-mediator/broker"
	"github.com/mickamy/grpc-mediator/rule"
)

// Store holds the active configuration together with its compiled rules.
// Readers get immutable snapshots; Update swaps them atomically and
// notifies subscribers.
type Store struct {
	path    string
	logger  *slog.Logger
	changes *broker.Broker[Config]

	mu      sync.RWMutex
	cfg     Config
	matcher *rule.Matcher
	engine  *rule.Engine
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithPath persists every update to path.
func WithPath(path string) StoreOption {
	return func(s *Store) { s.path = path }
}

// WithLogger sets the logger used for warnings.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// NewStore creates a store holding cfg.
func NewStore(cfg Config, opts ...StoreOption) *Store {
	s := &Store{
		logger:  slog.Default(),
		changes: broker.New[Config](16),
	}
	for _, o := range opts {
		o(s)
	}
	s.swap(cfg)
	return s
}

// Open loads the configuration at path, falling back to Default when the
// file does not exist yet. Updates are written back to path.
func Open(path string, opts ...StoreOption) (*Store, error) {
	cfg, warns, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, warns, err = Default(), nil, nil
	}
	if err != nil {
		return nil, err
	}
	s := NewStore(cfg, append([]StoreOption{WithPath(path)}, opts...)...)
	s.warn(warns)
	return s, nil
}

func (s *Store) swap(cfg Config) {
	cfg = cfg.Clone()
	cfg.Normalize()
	m := rule.NewMatcher(cfg.ServerRules)
	e := rule.NewEngine(cfg.RequestRules)

	s.mu.Lock()
	s.cfg = cfg
	s.matcher = m
	s.engine = e
	s.mu.Unlock()
}

func (s *Store) warn(warns []error) {
	for _, w := range warns {
		s.logger.Warn("config", "warning", w)
	}
}

// Config returns a copy of the active configuration.
func (s *Store) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone()
}

// Matcher returns the compiled server rules.
func (s *Store) Matcher() *rule.Matcher {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.matcher
}

// Engine returns the compiled request rules.
func (s *Store) Engine() *rule.Engine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// Update normalizes cfg, makes it active, persists it when the store has a
// path, and notifies subscribers. The returned warnings are the same ones
// Normalize reports.
func (s *Store) Update(cfg Config) ([]error, error) {
	warns := cfg.Normalize()
	if s.path != "" {
		if err := Save(s.path, cfg); err != nil {
			return warns, err
		}
	}
	s.swap(cfg)
	s.warn(warns)
	s.changes.Publish(cfg.Clone())
	return warns, nil
}

// Subscribe returns a channel that receives every configuration applied by
// Update.
func (s *Store) Subscribe() (<-chan Config, func()) {
	return s.changes.Subscribe()
}
