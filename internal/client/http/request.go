package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"
)

type actionType int

const (
	lookupPolicyActionType actionType = iota
	downloadPolicyActionType
	dependentDevicesActionType
)

func (a actionType) String() string {
	switch a {
	case lookupPolicyActionType:
		return "lookup_policy"
	case downloadPolicyActionType:
		return "download_policy"
	case dependentDevicesActionType:
		return "dependent_devices"
	default:
		return "unknown"
	}
}

type RequestBuilder struct {
	action actionType
	url    string
	query  url.Values
	header map[string]string
}

func newRequestBuilder() *RequestBuilder {
	return &RequestBuilder{
		query:  make(url.Values),
		header: make(map[string]string),
	}
}

func (rb *RequestBuilder) Action(a actionType) *RequestBuilder {
	rb.action = a
	return rb
}

func (rb *RequestBuilder) Url(url string) *RequestBuilder {
	rb.url = url
	return rb
}

func (rb *RequestBuilder) Query(key, value string) *RequestBuilder {
	rb.query.Add(key, value)
	return rb
}

func (rb *RequestBuilder) Header(key, value string) *RequestBuilder {
	rb.header[key] = value
	return rb
}

// Build returns a new request. Every request gets its own id.
func (rb *RequestBuilder) Build(ctx context.Context) (*http.Request, error) {
	if rb.url == "" {
		return nil, errors.New("url is missing")
	}

	u, err := url.Parse(rb.url)
	if err != nil {
		return nil, fmt.Errorf("cannot parse url '%s': %w", rb.url, err)
	}
	if len(rb.query) > 0 {
		u.RawQuery = rb.query.Encode()
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("cannot create %s request '%w'", rb.action, err)
	}

	for k, v := range rb.header {
		request.Header.Add(k, v)
	}
	request.Header.Set("X-Request-ID", uuid.NewString())

	return request, nil
}
