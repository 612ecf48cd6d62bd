package worker

import (
	"context"
	"time"
)

const defaultDNSRefreshInterval = 5 * time.Minute

// DNSCache is satisfied by *dnscache.Resolver.
type DNSCache interface {
	Refresh(clearUnused bool)
}

// DNSRefresher periodically refreshes cached DNS entries used by outbound
// transports and drops hosts that were not looked up since the last pass.
type DNSRefresher struct {
	cache    DNSCache
	interval time.Duration
}

// NewDNSRefresher creates a refresher. A non-positive interval defaults to
// five minutes.
func NewDNSRefresher(cache DNSCache, interval time.Duration) *DNSRefresher {
	if interval <= 0 {
		interval = defaultDNSRefreshInterval
	}
	return &DNSRefresher{cache: cache, interval: interval}
}

// Name returns the worker identifier.
func (w *DNSRefresher) Name() string { return "dns_refresher" }

// Run refreshes on every interval until ctx is cancelled.
func (w *DNSRefresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.cache.Refresh(true)
		}
	}
}
