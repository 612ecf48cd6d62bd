// Package cloudauth provides http.RoundTripper decorators that authenticate
// outbound queue API calls (static bearer tokens and GCP OAuth).
package cloudauth

import "net/http"

// CloudTasksScope is the OAuth2 scope required by the Cloud Tasks API.
const CloudTasksScope = "https://www.googleapis.com/auth/cloud-tasks"

// BearerTransport is an http.RoundTripper that injects a static token
// header on every outbound request. HeaderName defaults to "Authorization"
// and Prefix is prepended to Token (e.g. "Bearer ").
type BearerTransport struct {
	Token      string
	HeaderName string
	Prefix     string
	Base       http.RoundTripper
}

// RoundTrip clones the request and sets the auth header.
func (t *BearerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	name := t.HeaderName
	if name == "" {
		name = "Authorization"
	}
	r2 := r.Clone(r.Context())
	r2.Header.Set(name, t.Prefix+t.Token)
	return baseOrDefault(t.Base).RoundTrip(r2)
}

func baseOrDefault(rt http.RoundTripper) http.RoundTripper {
	if rt != nil {
		return rt
	}
	return http.DefaultTransport
}
