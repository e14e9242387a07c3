package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tupyy/device-policy-ng/internal/certificate"
	"github.com/tupyy/device-policy-ng/internal/entity"
	"go.uber.org/zap"
)

const (
	rootUrl = "/iot/api/v2"

	defaultTimeout         = 5 * time.Second
	defaultInitialInterval = 500 * time.Millisecond
	defaultMaxElapsedTime  = time.Minute
)

var ErrNotFound = errors.New("not found")

// transportWrapper is a wrapper for transport. It can be used as a middleware.
type transportWrapper func(http.RoundTripper) http.RoundTripper

type Option func(c *Client)

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// WithRetry sets the exponential backoff of the requests.
func WithRetry(initialInterval, maxElapsedTime time.Duration) Option {
	return func(c *Client) {
		c.initialInterval = initialInterval
		c.maxElapsedTime = maxElapsedTime
	}
}

// WithTransport sets the transport used instead of the mTLS transport built from the certificates.
func WithTransport(t http.RoundTripper) Option {
	return func(c *Client) {
		c.base = t
	}
}

// Client is the policy.Transport of the iot server.
type Client struct {
	lock sync.Mutex

	// certMananger holds the Certificate Manager
	certMananger *certificate.Manager

	// certificateSignature holds the signature of the client certificate which is used in TLS config.
	// It is used to check if certificates had been renewed.
	certificateSignature []byte

	// server's url
	serverURL *url.URL

	transportWrappers []transportWrapper

	// base is the transport set by WithTransport
	base http.RoundTripper

	// transport is the transport which make the actual request
	transport http.RoundTripper

	timeout         time.Duration
	initialInterval time.Duration
	maxElapsedTime  time.Duration
}

func New(path string, certManager *certificate.Manager, opts ...Option) (*Client, error) {
	url, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("server address error: %s", err)
	}

	logWrapper := &logTransportWrapper{}

	c := &Client{
		serverURL:            url,
		certMananger:         certManager,
		certificateSignature: []byte{},
		transportWrappers:    []transportWrapper{logWrapper.Wrap},
		timeout:              defaultTimeout,
		initialInterval:      defaultInitialInterval,
		maxElapsedTime:       defaultMaxElapsedTime,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.certMananger == nil && c.base == nil {
		return nil, fmt.Errorf("certificate manager is missing")
	}

	return c, nil
}

// LookupPolicy returns the policy assigned to the device or nil.
func (c *Client) LookupPolicy(ctx context.Context, urn, deviceID string) (*entity.DevicePolicy, error) {
	request := newRequestBuilder().
		Action(lookupPolicyActionType).
		Url(c.url("deviceModels", urn, "devicePolicies")).
		Query("devices.id", deviceID).
		Header("Accept", "application/json")

	var policy *entity.DevicePolicy
	err := c.retry(ctx, "lookup policy", func() (bool, error) {
		response, err := c.do(ctx, request)
		if err != nil {
			return true, err
		}
		defer response.Body.Close()

		if response.StatusCode == http.StatusNotFound {
			policy = nil
			return false, nil
		}
		if err := checkStatus(response); err != nil {
			return response.StatusCode >= 500, err
		}

		policy, err = extractData(response, transformToPolicyList)
		return false, err
	})
	if err != nil {
		return nil, fmt.Errorf("cannot lookup policy of device '%s': %w", deviceID, err)
	}

	return policy, nil
}

func (c *Client) DownloadPolicy(ctx context.Context, urn, policyID string) (*entity.DevicePolicy, error) {
	request := newRequestBuilder().
		Action(downloadPolicyActionType).
		Url(c.url("deviceModels", urn, "devicePolicies", policyID)).
		Header("Accept", "application/json")

	var policy *entity.DevicePolicy
	err := c.retry(ctx, "download policy", func() (bool, error) {
		response, err := c.do(ctx, request)
		if err != nil {
			return true, err
		}
		defer response.Body.Close()

		if err := checkStatus(response); err != nil {
			return response.StatusCode >= 500, err
		}

		policy, err = extractData(response, transformToPolicy)
		return false, err
	})
	if err != nil {
		return nil, fmt.Errorf("cannot download policy '%s': %w", policyID, err)
	}

	return policy, nil
}

func (c *Client) GetDependentDeviceIDs(ctx context.Context, urn, policyID, ownerID string) ([]string, error) {
	request := newRequestBuilder().
		Action(dependentDevicesActionType).
		Url(c.url("deviceModels", urn, "devicePolicies", policyID, "devices")).
		Query("ownerId", ownerID).
		Header("Accept", "application/json")

	var ids []string
	err := c.retry(ctx, "get dependent devices", func() (bool, error) {
		response, err := c.do(ctx, request)
		if err != nil {
			return true, err
		}
		defer response.Body.Close()

		if err := checkStatus(response); err != nil {
			return response.StatusCode >= 500, err
		}

		ids, err = extractData(response, transformToDeviceIDs)
		return false, err
	})
	if err != nil {
		return nil, fmt.Errorf("cannot get the devices of policy '%s': %w", policyID, err)
	}

	return ids, nil
}

// retry calls op until it succeeds or returns false. The attempts are spaced by an exponential backoff.
func (c *Client) retry(ctx context.Context, name string, op func() (retry bool, err error)) error {
	strategy := backoff.NewExponentialBackOff()
	strategy.InitialInterval = c.initialInterval
	strategy.MaxElapsedTime = c.maxElapsedTime

	ticker := backoff.NewTicker(strategy)
	defer ticker.Stop()

	var err error
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-ticker.C:
			if !ok {
				return fmt.Errorf("giving up after %d attempts: %w", attempt-1, err)
			}

			var retry bool
			retry, err = op()
			if err == nil {
				return nil
			}
			if !retry {
				return err
			}
			zap.S().Debugw("request failed", "request", name, "attempt", attempt, "error", err)
		}
	}
}

func (c *Client) url(segments ...string) string {
	var sb bytes.Buffer
	sb.WriteString(c.serverURL.String())
	sb.WriteString(rootUrl)
	for _, s := range segments {
		sb.WriteString("/")
		sb.WriteString(url.PathEscape(s))
	}
	return sb.String()
}

func (c *Client) do(ctx context.Context, rb *RequestBuilder) (*http.Response, error) {
	request, err := rb.Build(ctx)
	if err != nil {
		return nil, err
	}

	client, err := c.getClient()
	if err != nil {
		return nil, err
	}

	return client.Do(request)
}

// getClient returns a real http.Client created with our transport.
// It checks if certifcates signatures changed and if true it recreates a new transport.
func (c *Client) getClient() (*http.Client, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.transport == nil || c.certsChanged() {
		t, err := c.createTransport()
		if err != nil {
			return nil, err
		}
		c.transport = t
	}

	return &http.Client{
		Transport: c.transport,
		Timeout:   c.timeout,
	}, nil
}

func (c *Client) certsChanged() bool {
	return c.certMananger != nil && !bytes.Equal(c.certificateSignature, c.certMananger.Signature())
}

func (c *Client) createTransport() (http.RoundTripper, error) {
	result := c.base
	if result == nil {
		zap.S().Info("certificates have changed. Recreate transport")

		tlsConfig, err := c.certMananger.TLSConfig()
		if err != nil {
			return nil, err
		}
		c.certificateSignature = c.certMananger.Signature()

		result = &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: tlsConfig,
		}
	}

	// call the other wrappers backwards
	for i := len(c.transportWrappers) - 1; i >= 0; i-- {
		result = c.transportWrappers[i](result)
	}

	return result, nil
}

func checkStatus(response *http.Response) error {
	switch {
	case response.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, response.Request.URL.Path)
	case response.StatusCode >= 400:
		return fmt.Errorf("request failed with code %d", response.StatusCode)
	default:
		return nil
	}
}
