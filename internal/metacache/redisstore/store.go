// Package redisstore shares cached model lists between scheduler replicas
// through Redis.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	goredis "github.com/redis/go-redis/v9"

	"github.com/blueberrycongee/llmsched/internal/metacache"
)

// Config holds configuration for the Redis store.
type Config struct {
	// Single node configuration
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// Cluster configuration
	ClusterAddrs []string `yaml:"cluster_addrs"`

	Namespace   string        `yaml:"namespace"`    // Key namespace prefix
	TTL         time.Duration `yaml:"ttl"`          // Key expiry (default: 1 hour)
	DialTimeout time.Duration `yaml:"dial_timeout"` // Connection timeout
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:        "localhost:6379",
		Namespace:   "llmsched",
		TTL:         time.Hour,
		DialTimeout: 5 * time.Second,
	}
}

// Store implements metacache.Store.
type Store struct {
	client    goredis.UniversalClient
	namespace string
	ttl       time.Duration
}

var _ metacache.Store = (*Store)(nil)

// New connects to Redis and verifies the connection.
func New(cfg Config) (*Store, error) {
	def := DefaultConfig()
	if cfg.Namespace == "" {
		cfg.Namespace = def.Namespace
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}

	var client goredis.UniversalClient
	if len(cfg.ClusterAddrs) > 0 {
		client = goredis.NewClusterClient(&goredis.ClusterOptions{
			Addrs:       cfg.ClusterAddrs,
			Password:    cfg.Password,
			DialTimeout: cfg.DialTimeout,
		})
	} else {
		if cfg.Addr == "" {
			cfg.Addr = def.Addr
		}
		client = goredis.NewClient(&goredis.Options{
			Addr:        cfg.Addr,
			Password:    cfg.Password,
			DB:          cfg.DB,
			DialTimeout: cfg.DialTimeout,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewWithClient(client, cfg.Namespace, cfg.TTL), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client goredis.UniversalClient, namespace string, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{client: client, namespace: namespace, ttl: ttl}
}

func (s *Store) key(backendID string) string {
	if s.namespace == "" {
		return "models:" + backendID
	}
	return s.namespace + ":models:" + backendID
}

// Load returns the stored entry, or nil when the key does not exist.
func (s *Store) Load(ctx context.Context, backendID string) (*metacache.Entry, error) {
	data, err := s.client.Get(ctx, s.key(backendID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var e metacache.Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode model list: %w", err)
	}
	return &e, nil
}

// Save stores e under the backend's key with the configured expiry.
func (s *Store) Save(ctx context.Context, backendID string, e metacache.Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode model list: %w", err)
	}
	if err := s.client.Set(ctx, s.key(backendID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}
