package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultDoHURL is the DNS-over-HTTPS endpoint queried when no
// other resolver is configured.
const DefaultDoHURL = "https://1.1.1.1/dns-query"

const (
	dohTimeout = 5 * time.Second
	dohMaxSize = 64 << 10 // DNS messages never exceed 64 KiB.
)

// DNSResolver resolves one raw DNS query message into one raw DNS
// response message. It is a capability interface so that tests can
// inject a deterministic responder.
type DNSResolver interface {
	Resolve(ctx context.Context, query []byte) ([]byte, error)
}

// httpDoer is the subset of [http.Client] used by [DoHResolver].
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// DoHResolver sends DNS queries to an upstream resolver over HTTPS
// (RFC 8484): one POST request carries one DNS message.
type DoHResolver struct {
	url    string
	client httpDoer
}

// NewDoHResolver creates a resolver for the given "https://..." endpoint,
// or for [DefaultDoHURL] if it's empty.
func NewDoHResolver(url string) *DoHResolver {
	if url == "" {
		url = DefaultDoHURL
	}
	return &DoHResolver{url: url, client: http.DefaultClient}
}

// Resolve sends one DNS query and returns the full response message.
// HTTP-level failures, including 4xx/5xx statuses, are returned as
// errors; the caller decides whether they're fatal for anything beyond
// the single datagram.
func (r *DoHResolver) Resolve(ctx context.Context, query []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, dohTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(query))
	if err != nil {
		return nil, fmt.Errorf("failed to construct DoH request: %w", err)
	}
	req.Header.Set("Content-Type", "application/dns-message")
	req.Header.Set("Accept", "application/dns-message")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send DoH request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, dohMaxSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read DoH response body: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		msg := resp.Status
		if len(body) > 0 {
			msg = fmt.Sprintf("%s: %s", msg, string(body))
		}
		return nil, errors.New(msg)
	}

	return body, nil
}
