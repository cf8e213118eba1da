package delivery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNoSuchDomain marks a domain that does not exist or has no usable
// mail exchanger.
var ErrNoSuchDomain = errors.New("no such domain")

// MX is one mail exchanger of a domain.
type MX struct {
	Host       string `json:"host"`
	Preference int    `json:"preference"`
}

// MXResult is a ranked list of exchangers valid until Expires.
type MXResult struct {
	Hosts   []MX
	Expires time.Time
}

// IPResult is a list of addresses valid until Expires.
type IPResult struct {
	IPs     []net.IP
	Expires time.Time
}

// Resolver looks up where mail for a domain should go.
type Resolver interface {
	LookupMX(ctx context.Context, domain string) (MXResult, error)
	LookupIP(ctx context.Context, host string) (IPResult, error)
}

// ResolveError reports a failed lookup. Permanent errors mean the name does
// not exist; everything else is worth retrying.
type ResolveError struct {
	Name      string
	Permanent bool
	Err       error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("lookup %s: %v", e.Name, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// IsPermanentLookup reports whether err is a permanent resolution failure.
func IsPermanentLookup(err error) bool {
	var re *ResolveError
	return errors.As(err, &re) && re.Permanent
}

// rankMX sorts exchangers by preference, keeping input order for ties.
func rankMX(hosts []MX) []MX {
	ranked := append([]MX(nil), hosts...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Preference < ranked[j].Preference
	})
	return ranked
}

// StaticResolver serves lookups from an in-memory table. Entries past their
// expiry are treated as missing.
type StaticResolver struct {
	mu  sync.RWMutex
	mx  map[string]MXResult
	ips map[string]IPResult
	now func() time.Time
}

// NewStaticResolver returns an empty StaticResolver. now may be nil.
func NewStaticResolver(now func() time.Time) *StaticResolver {
	if now == nil {
		now = time.Now
	}
	return &StaticResolver{
		mx:  make(map[string]MXResult),
		ips: make(map[string]IPResult),
		now: now,
	}
}

// AddMX registers the exchangers of domain.
func (r *StaticResolver) AddMX(domain string, hosts []MX, expires time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mx[strings.ToLower(domain)] = MXResult{Hosts: rankMX(hosts), Expires: expires}
}

// AddIP registers the addresses of host.
func (r *StaticResolver) AddIP(host string, ips []net.IP, expires time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ips[strings.ToLower(host)] = IPResult{IPs: ips, Expires: expires}
}

// LookupMX implements Resolver.
func (r *StaticResolver) LookupMX(_ context.Context, domain string) (MXResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.mx[strings.ToLower(domain)]
	if !ok || !r.now().Before(res.Expires) {
		return MXResult{}, &ResolveError{Name: domain, Permanent: true, Err: ErrNoSuchDomain}
	}
	return res, nil
}

// LookupIP implements Resolver.
func (r *StaticResolver) LookupIP(_ context.Context, host string) (IPResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.ips[strings.ToLower(host)]
	if !ok || !r.now().Before(res.Expires) {
		return IPResult{}, &ResolveError{Name: host, Permanent: true, Err: ErrNoSuchDomain}
	}
	return res, nil
}
