package notepad

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// DefaultMemcacheTTL is how long an identifier stays recorded.
const DefaultMemcacheTTL = 30 * 24 * time.Hour

// memcacheClient is the subset of *memcache.Client the notepad needs.
type memcacheClient interface {
	Get(key string) (*memcache.Item, error)
	Set(item *memcache.Item) error
}

// Memcache is a Notepad kept in memcached.  Keys are prefix plus the
// SHA-1 of the identifier, so any identifier fits the key grammar.  An
// evicted key is forgotten and its commit may be built again.
type Memcache struct {
	client memcacheClient
	prefix string
	ttl    time.Duration
}

var _ Notepad = (*Memcache)(nil)

// MemcacheConfig configures a Memcache notepad.
type MemcacheConfig struct {
	// Servers are host:port addresses (required).
	Servers []string

	// Prefix namespaces the keys.  Default: "pulsebuild:".
	Prefix string

	// TTL bounds how long an identifier is remembered.
	// Default: DefaultMemcacheTTL.
	TTL time.Duration

	// Timeout is the per-request socket timeout.  Default: 1s.
	Timeout time.Duration
}

// NewMemcache connects to a fixed server list.
func NewMemcache(cfg MemcacheConfig) (*Memcache, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("notepad: memcache servers are required")
	}
	var servers memcache.ServerList
	if err := servers.SetServers(cfg.Servers...); err != nil {
		return nil, fmt.Errorf("memcache servers %v: %w", cfg.Servers, err)
	}
	client := memcache.NewFromSelector(&servers)
	if cfg.Timeout > 0 {
		client.Timeout = cfg.Timeout
	} else {
		client.Timeout = time.Second
	}
	return newMemcache(client, cfg.Prefix, cfg.TTL), nil
}

func newMemcache(client memcacheClient, prefix string, ttl time.Duration) *Memcache {
	if prefix == "" {
		prefix = "pulsebuild:"
	}
	if ttl <= 0 {
		ttl = DefaultMemcacheTTL
	}
	return &Memcache{client: client, prefix: prefix, ttl: ttl}
}

func (m *Memcache) key(id string) string {
	sum := sha1.Sum([]byte(id))
	return m.prefix + hex.EncodeToString(sum[:])
}

// Contains implements Notepad.
func (m *Memcache) Contains(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := m.client.Get(m.key(id))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, memcache.ErrCacheMiss):
		return false, nil
	default:
		return false, fmt.Errorf("memcache get: %w", err)
	}
}

// Add implements Notepad.
func (m *Memcache) Add(ctx context.Context, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	// Expirations beyond 30 days are read by memcached as unix times.
	expiry := int32(m.ttl / time.Second)
	if m.ttl > 30*24*time.Hour {
		expiry = int32(time.Now().Add(m.ttl).Unix())
	}
	err := m.client.Set(&memcache.Item{
		Key:        m.key(id),
		Value:      []byte(id),
		Expiration: expiry,
	})
	if err != nil {
		return fmt.Errorf("memcache set: %w", err)
	}
	return nil
}
