package faults

import (
	"fmt"
	"net/http"
)

// Transport fails requests before they reach the network when its Injector says so.
type Transport struct {
	Base     http.RoundTripper
	Injector Injector
}

// NewTransport wraps base. A nil base uses http.DefaultTransport.
func NewTransport(base http.RoundTripper, injector Injector) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	if injector == nil {
		injector = None
	}
	return &Transport{Base: base, Injector: injector}
}

// RoundTrip ...
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Injector.Fail() {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, fmt.Errorf("send %s %s: %w", req.Method, req.URL.Redacted(), ErrInjected)
	}
	return t.Base.RoundTrip(req)
}
