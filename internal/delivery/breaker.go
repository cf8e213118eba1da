package delivery

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/sony/gobreaker"
)

// hostBreakers tracks liveness per remote host. A host whose connections
// keep failing is skipped until its cooldown elapses.
type hostBreakers struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	settings gobreaker.Settings
	logger   *slog.Logger
	onChange func(host string, to gobreaker.State)
}

func newHostBreakers(config *Config, logger *slog.Logger, onChange func(string, gobreaker.State)) *hostBreakers {
	failures := config.BreakerFailures
	hb := &hostBreakers{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		logger:   logger,
		onChange: onChange,
	}
	hb.settings = gobreaker.Settings{
		MaxRequests: 1,
		Timeout:     config.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return failures > 0 && counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			hb.logger.Info("Host circuit breaker state changed",
				"host", name,
				"from", from.String(),
				"to", to.String(),
			)
			if hb.onChange != nil {
				hb.onChange(name, to)
			}
		},
	}
	return hb
}

func (hb *hostBreakers) get(host string) *gobreaker.CircuitBreaker {
	host = strings.ToLower(host)
	hb.mu.Lock()
	defer hb.mu.Unlock()
	cb, ok := hb.breakers[host]
	if !ok {
		s := hb.settings
		s.Name = host
		cb = gobreaker.NewCircuitBreaker(s)
		hb.breakers[host] = cb
	}
	return cb
}

// state returns the breaker state of host without creating a breaker.
func (hb *hostBreakers) state(host string) gobreaker.State {
	hb.mu.Lock()
	defer hb.mu.Unlock()
	if cb, ok := hb.breakers[strings.ToLower(host)]; ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}
