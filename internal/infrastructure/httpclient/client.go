package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/NotebookKernel/backend/internal/infrastructure/resilience"
)

// ErrUnavailable is returned when the breaker for an origin is open.
var ErrUnavailable = errors.New("origin unavailable: circuit breaker open")

// Options configures a Client.
type Options struct {
	Name      string
	Timeout   time.Duration
	RPS       float64
	Retries   int
	UserAgent string
}

// Request describes one outbound call.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// Response is the buffered result of a call.
type Response struct {
	Status     int
	StatusText string
	URL        string
	Headers    map[string]string
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// serverError marks 5xx responses so the breaker counts them while the
// caller still receives the response.
type serverError struct {
	resp *Response
}

func (e *serverError) Error() string {
	return fmt.Sprintf("server error: %d", e.resp.Status)
}

// Client wraps resty with rate limiting and per-origin circuit breakers
type Client struct {
	Resty    *resty.Client
	Limiter  *rate.Limiter
	Breakers *resilience.Group
	mu       sync.RWMutex
}

// New creates an outbound client.
func New(opts Options) *Client {
	if opts.Name == "" {
		opts.Name = "http-external"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "NotebookKernel/1.0"
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = opts.Retries
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 10 * time.Second
	retryClient.Logger = nil

	restyClient := resty.New().
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.Retries).
		SetHeader("User-Agent", opts.UserAgent).
		SetTransport(retryClient.HTTPClient.Transport)

	breakers := resilience.NewGroup(opts.Name, resilience.Settings{
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 10 ||
				(counts.Requests >= 20 && float64(counts.TotalFailures)/float64(counts.Requests) > 0.7)
		},
		IsSuccessful: func(err error) bool {
			var se *serverError
			return err == nil || (!errors.As(err, &se) && !isTransport(err))
		},
	})

	c := &Client{
		Resty:    restyClient,
		Breakers: breakers,
	}
	c.SetRateLimit(opts.RPS)
	return c
}

// SetRateLimit configures rate limiting (requests per second); zero disables it.
func (c *Client) SetRateLimit(rps float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rps <= 0 {
		c.Limiter = rate.NewLimiter(rate.Inf, 0)
		return
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	c.Limiter = rate.NewLimiter(rate.Limit(rps), burst)
}

// SetBearerAuth configures bearer token authentication
func (c *Client) SetBearerAuth(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Resty.SetAuthToken(token)
}

// Do performs req through the limiter and the breaker of its host. Non-2xx
// responses are returned without error.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid url %q", req.URL)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	c.mu.RLock()
	limiter := c.Limiter
	c.mu.RUnlock()
	if err := limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit error: %w", err)
	}

	resp, err := resilience.Execute(c.Breakers.Get(u.Host), func() (*Response, error) {
		r := c.Resty.R().SetContext(ctx).SetHeaders(req.Headers)
		if req.Body != nil {
			r.SetBody(req.Body)
		}
		raw, err := r.Execute(method, req.URL)
		if err != nil {
			return nil, &transportError{err: err}
		}
		out := buffer(raw)
		if out.Status >= 500 {
			return out, &serverError{resp: out}
		}
		return out, nil
	})

	var se *serverError
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, resilience.ErrTooManyRequests):
		return nil, ErrUnavailable
	case errors.As(err, &se):
		return se.resp, nil
	case err != nil:
		return nil, errors.Unwrap(err)
	}
	return resp, nil
}

// BreakerState reports the breaker state for host.
func (c *Client) BreakerState(host string) resilience.State {
	return c.Breakers.Get(host).State()
}

type transportError struct {
	err error
}

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

func isTransport(err error) bool {
	var te *transportError
	return errors.As(err, &te)
}

func buffer(raw *resty.Response) *Response {
	headers := make(map[string]string, len(raw.Header()))
	for k, v := range raw.Header() {
		if len(v) > 0 {
			headers[http.CanonicalHeaderKey(k)] = v[0]
		}
	}
	finalURL := ""
	if raw.RawResponse != nil && raw.RawResponse.Request != nil {
		finalURL = raw.RawResponse.Request.URL.String()
	}
	return &Response{
		Status:     raw.StatusCode(),
		StatusText: http.StatusText(raw.StatusCode()),
		URL:        finalURL,
		Headers:    headers,
		Body:       raw.Body(),
	}
}
