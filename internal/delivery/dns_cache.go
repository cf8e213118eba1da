package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
)

// DNSCache resolves through the system resolver and caches answers for
// the configured TTL.
type DNSCache struct {
	config   *Config
	resolver *net.Resolver
	logger   *slog.Logger
	cache    map[string]*CacheEntry
	mu       sync.RWMutex
	stats    DNSStats
	now      func() time.Time
}

// CacheEntry is one cached answer
type CacheEntry struct {
	Key       string
	Value     interface{}
	CreatedAt time.Time
	ExpiresAt time.Time
	Hits      int64
	LastHit   time.Time
}

// DNSStats tracks cache statistics
type DNSStats struct {
	Queries   int64 `json:"queries"`
	CacheHits int64 `json:"cache_hits"`
	Errors    int64 `json:"errors"`
	Evictions int64 `json:"evictions"`
	CacheSize int   `json:"cache_size"`
}

// NewDNSCache creates a DNS cache on top of resolver; a nil resolver means
// net.DefaultResolver.
func NewDNSCache(config *Config, resolver *net.Resolver) *DNSCache {
	if config == nil {
		config = DefaultConfig()
	}
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &DNSCache{
		config:   config,
		resolver: resolver,
		logger:   slog.Default().With("component", "dns-cache"),
		cache:    make(map[string]*CacheEntry),
		now:      time.Now,
	}
}

// LookupMX returns the ranked exchangers of domain. A domain without MX
// records but with an address is its own exchanger. A null MX ("." per
// RFC 7505) is a permanent failure.
func (dc *DNSCache) LookupMX(ctx context.Context, domain string) (MXResult, error) {
	key := "mx:" + strings.ToLower(domain)
	if entry := dc.getFromCache(key); entry != nil {
		if res, ok := entry.Value.(MXResult); ok {
			return res, nil
		}
	}

	var records []*net.MX
	err := dc.withRetries(ctx, func(lctx context.Context) error {
		var err error
		records, err = dc.resolver.LookupMX(lctx, domain)
		return err
	})

	var hosts []MX
	switch {
	case err == nil && len(records) == 1 && (records[0].Host == "." || records[0].Host == ""):
		return MXResult{}, dc.fail(&ResolveError{Name: domain, Permanent: true, Err: errors.New("domain does not accept mail (null MX)")})
	case err == nil && len(records) > 0:
		for _, r := range records {
			hosts = append(hosts, MX{Host: strings.TrimSuffix(r.Host, "."), Preference: int(r.Pref)})
		}
	case err == nil || isNotFound(err):
		// Implicit MX, RFC 5321 section 5.1
		if _, ipErr := dc.LookupIP(ctx, domain); ipErr != nil {
			return MXResult{}, dc.fail(ipErr)
		}
		hosts = []MX{{Host: domain}}
	default:
		return MXResult{}, dc.fail(classifyDNSError(domain, err))
	}

	res := MXResult{Hosts: rankMX(hosts), Expires: dc.now().Add(dc.config.DNSCacheTTL)}
	dc.putInCache(key, res)
	dc.logger.Debug("MX lookup completed", "domain", domain, "records", len(hosts))
	return res, nil
}

// LookupIP returns the addresses of host.
func (dc *DNSCache) LookupIP(ctx context.Context, host string) (IPResult, error) {
	key := "ip:" + strings.ToLower(host)
	if entry := dc.getFromCache(key); entry != nil {
		if res, ok := entry.Value.(IPResult); ok {
			return res, nil
		}
	}

	var addrs []net.IPAddr
	err := dc.withRetries(ctx, func(lctx context.Context) error {
		var err error
		addrs, err = dc.resolver.LookupIPAddr(lctx, host)
		return err
	})
	if err != nil {
		return IPResult{}, dc.fail(classifyDNSError(host, err))
	}
	if len(addrs) == 0 {
		return IPResult{}, dc.fail(&ResolveError{Name: host, Permanent: true, Err: ErrNoSuchDomain})
	}

	ips := make([]net.IP, len(addrs))
	for i, a := range addrs {
		ips[i] = a.IP
	}
	res := IPResult{IPs: ips, Expires: dc.now().Add(dc.config.DNSCacheTTL)}
	dc.putInCache(key, res)
	return res, nil
}

// Stats returns a snapshot of the cache statistics.
func (dc *DNSCache) Stats() DNSStats {
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	s := dc.stats
	s.CacheSize = len(dc.cache)
	return s
}

// withRetries runs lookup up to DNSRetries times while the error is
// temporary, each try bounded by DNSTimeout.
func (dc *DNSCache) withRetries(ctx context.Context, lookup func(context.Context) error) error {
	dc.mu.Lock()
	dc.stats.Queries++
	dc.mu.Unlock()

	retries := dc.config.DNSRetries
	if retries < 1 {
		retries = 1
	}

	var err error
	for attempt := 0; attempt < retries; attempt++ {
		lctx, cancel := context.WithTimeout(ctx, dc.config.DNSTimeout)
		err = lookup(lctx)
		cancel()

		if err == nil || isNotFound(err) {
			return err
		}

		dc.logger.Debug("DNS lookup attempt failed", "attempt", attempt+1, "error", err)

		if attempt < retries-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt+1) * time.Second):
			}
		}
	}
	return err
}

func (dc *DNSCache) fail(err error) error {
	dc.mu.Lock()
	dc.stats.Errors++
	dc.mu.Unlock()
	return err
}

func isNotFound(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}

func classifyDNSError(name string, err error) error {
	var re *ResolveError
	if errors.As(err, &re) {
		return re
	}
	if isNotFound(err) {
		return &ResolveError{Name: name, Permanent: true, Err: fmt.Errorf("%w: %v", ErrNoSuchDomain, err)}
	}
	return &ResolveError{Name: name, Err: err}
}

func (dc *DNSCache) getFromCache(key string) *CacheEntry {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	entry, ok := dc.cache[key]
	if !ok {
		return nil
	}
	now := dc.now()
	if !now.Before(entry.ExpiresAt) {
		delete(dc.cache, key)
		dc.stats.Evictions++
		return nil
	}
	entry.Hits++
	entry.LastHit = now
	dc.stats.CacheHits++
	return entry
}

func (dc *DNSCache) putInCache(key string, value interface{}) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	if dc.config.DNSCacheSize > 0 && len(dc.cache) >= dc.config.DNSCacheSize {
		dc.evictLRU()
	}
	now := dc.now()
	dc.cache[key] = &CacheEntry{
		Key:       key,
		Value:     value,
		CreatedAt: now,
		ExpiresAt: now.Add(dc.config.DNSCacheTTL),
		LastHit:   now,
	}
}

// evictLRU removes the least recently used entry. Caller holds dc.mu.
func (dc *DNSCache) evictLRU() {
	var oldestKey string
	var oldest time.Time
	for key, entry := range dc.cache {
		if oldestKey == "" || entry.LastHit.Before(oldest) {
			oldestKey = key
			oldest = entry.LastHit
		}
	}
	if oldestKey != "" {
		delete(dc.cache, oldestKey)
		dc.stats.Evictions++
	}
}
