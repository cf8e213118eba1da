package delivery

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDNSCacheServesCachedEntries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DNSCacheTTL = time.Minute
	dc := NewDNSCache(cfg, nil)

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	dc.now = func() time.Time { return now }

	want := MXResult{Hosts: []MX{{Host: "mx1.example.org", Preference: 10}}, Expires: now.Add(time.Minute)}
	dc.putInCache("mx:example.org", want)

	got, err := dc.LookupMX(context.Background(), "Example.org")
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, int64(1), dc.Stats().CacheHits)

	now = now.Add(2 * time.Minute)
	assert.Nil(t, dc.getFromCache("mx:example.org"))
	assert.Equal(t, int64(1), dc.Stats().Evictions)
}

func TestDNSCacheEvictsLeastRecentlyUsed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DNSCacheSize = 2
	dc := NewDNSCache(cfg, nil)

	base := time.Now()
	tick := 0
	dc.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	dc.putInCache("ip:a", IPResult{})
	dc.putInCache("ip:b", IPResult{})
	require.NotNil(t, dc.getFromCache("ip:a"))
	dc.putInCache("ip:c", IPResult{})

	assert.NotNil(t, dc.getFromCache("ip:a"))
	assert.Nil(t, dc.getFromCache("ip:b"))
	assert.NotNil(t, dc.getFromCache("ip:c"))
}

func TestClassifyDNSError(t *testing.T) {
	notFound := &net.DNSError{Err: "no such host", Name: "nope.invalid", IsNotFound: true}
	err := classifyDNSError("nope.invalid", notFound)
	assert.True(t, IsPermanentLookup(err))
	assert.True(t, errors.Is(err, ErrNoSuchDomain))

	timeout := &net.DNSError{Err: "i/o timeout", Name: "slow.example", IsTimeout: true}
	err = classifyDNSError("slow.example", timeout)
	assert.False(t, IsPermanentLookup(err))

	var re *ResolveError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "slow.example", re.Name)
}

func TestStaticResolverExpiry(t *testing.T) {
	now := time.Now()
	r := NewStaticResolver(func() time.Time { return now })
	r.AddMX("foobar.org", []MX{{Host: "mx2.foobar.org", Preference: 20}, {Host: "mx1.foobar.org", Preference: 10}}, now.Add(10*time.Second))
	r.AddIP("mx1.foobar.org", []net.IP{net.ParseIP("127.0.0.1")}, now.Add(time.Second))

	mx, err := r.LookupMX(context.Background(), "FOOBAR.org")
	require.NoError(t, err)
	assert.Equal(t, "mx1.foobar.org", mx.Hosts[0].Host)
	assert.Equal(t, "mx2.foobar.org", mx.Hosts[1].Host)

	_, err = r.LookupIP(context.Background(), "mx1.foobar.org")
	require.NoError(t, err)

	now = now.Add(5 * time.Second)
	_, err = r.LookupIP(context.Background(), "mx1.foobar.org")
	assert.True(t, IsPermanentLookup(err))

	_, err = r.LookupMX(context.Background(), "domain.org")
	assert.True(t, IsPermanentLookup(err))
}
