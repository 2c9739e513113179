package gateway

import (
	"context"
	"net/http"
	"strings"
)

// forwardedHeaders are copied from the client request to the upstream service.
// Auth, the session cookie and the payment provider's signature headers must
// survive the hop.
var forwardedHeaders = []string{
	"Content-Type",
	"Authorization",
	"Cookie",
	"Idempotency-Key",
	"X-Signature",
	"X-Request-Id",
}

type ServiceProxy struct {
	baseURL string
	client  *http.Client
}

func NewServiceProxy(baseURL string, client *http.Client) *ServiceProxy {
	return &ServiceProxy{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// ForwardRequest sends r to path on the upstream service, keeping the query
// string and the headers the services depend on.
func (p *ServiceProxy) ForwardRequest(ctx context.Context, r *http.Request, path string) (*http.Response, error) {
	target := p.baseURL + path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, target, r.Body)
	if err != nil {
		return nil, err
	}

	for _, name := range forwardedHeaders {
		for _, value := range r.Header.Values(name) {
			req.Header.Add(name, value)
		}
	}

	return p.client.Do(req)
}
