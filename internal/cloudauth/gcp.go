package cloudauth

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// Limits on retrying a failing token refresh.
const (
	tokenFetchTries      = 4
	tokenFetchMaxElapsed = 10 * time.Second
)

// GCPOAuthTransport is an http.RoundTripper that injects a GCP OAuth2
// bearer token on every outbound request. Tokens are cached and
// auto-refreshed; transient refresh failures are retried with exponential
// backoff.
type GCPOAuthTransport struct {
	base   http.RoundTripper
	source oauth2.TokenSource
}

// NewGCPOAuthTransport returns a transport that obtains GCP credentials from
// credentialsFile (a service-account or authorized-user JSON key) or, when
// it is empty, via Application Default Credentials. scopes defaults to
// CloudTasksScope. Cancelling ctx aborts token refresh retries, so pass a
// context that lives as long as the transport.
func NewGCPOAuthTransport(ctx context.Context, base http.RoundTripper, credentialsFile string, scopes ...string) (*GCPOAuthTransport, error) {
	if len(scopes) == 0 {
		scopes = []string{CloudTasksScope}
	}

	var (
		creds *google.Credentials
		err   error
	)
	if credentialsFile != "" {
		data, rerr := os.ReadFile(credentialsFile)
		if rerr != nil {
			return nil, fmt.Errorf("cloudauth: read credentials file: %w", rerr)
		}
		creds, err = google.CredentialsFromJSON(ctx, data, scopes...)
	} else {
		creds, err = google.FindDefaultCredentials(ctx, scopes...)
	}
	if err != nil {
		return nil, fmt.Errorf("cloudauth: find GCP credentials: %w", err)
	}
	return newGCPOAuthTransportFromSource(ctx, base, creds.TokenSource), nil
}

// newGCPOAuthTransportFromSource creates a GCPOAuthTransport with an
// explicit token source (used for testing).
func newGCPOAuthTransportFromSource(ctx context.Context, base http.RoundTripper, ts oauth2.TokenSource) *GCPOAuthTransport {
	return &GCPOAuthTransport{
		base:   base,
		source: oauth2.ReuseTokenSource(nil, &retryingSource{ctx: ctx, src: ts, maxInterval: 2 * time.Second}),
	}
}

// RoundTrip obtains a token and injects it as a Bearer header.
func (t *GCPOAuthTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	tok, err := t.source.Token()
	if err != nil {
		return nil, fmt.Errorf("cloudauth: obtain GCP token: %w", err)
	}
	r2 := r.Clone(r.Context())
	r2.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	return baseOrDefault(t.base).RoundTrip(r2)
}

// retryingSource retries a failing token fetch a bounded number of times,
// for at most tokenFetchMaxElapsed, until ctx is done.
type retryingSource struct {
	ctx         context.Context
	src         oauth2.TokenSource
	maxInterval time.Duration
}

func (s *retryingSource) Token() (*oauth2.Token, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = s.maxInterval
	return backoff.Retry(s.ctx, s.src.Token,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(tokenFetchTries),
		backoff.WithMaxElapsedTime(tokenFetchMaxElapsed),
	)
}
