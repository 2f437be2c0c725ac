// Package httpclient provides the outbound HTTP client shared by the script
// sandbox fetch global and the chat evaluator.
//
// Built on go-resty/resty over a go-retryablehttp transport:
//   - per-host circuit breakers (5xx and transport errors trip them)
//   - optional token bucket rate limiting
//   - buffered responses so callers never hold connections open
//
// Example Usage:
//
//	client := httpclient.New(httpclient.Options{Timeout: 30 * time.Second})
//	resp, err := client.Do(ctx, httpclient.Request{URL: "https://example.com"})
package httpclient
