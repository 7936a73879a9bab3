package ratelimit

import "net/http"

// Transport feeds the rate-limit headers of every response, including error
// responses, into a Manager.
type Transport struct {
	Base    http.RoundTripper
	Manager *Manager
}

// NewTransport wraps base; a nil base means http.DefaultTransport
func NewTransport(base http.RoundTripper, manager *Manager) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{Base: base, Manager: manager}
}

// RoundTrip implements http.RoundTripper
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.Base.RoundTrip(req)
	if resp != nil && t.Manager != nil {
		t.Manager.UpdateFromHeaders(resp.Header)
	}
	return resp, err
}
