package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-go-golems/murmur/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Transport opens the response body of one chat request.
// Closing the returned body must abort the underlying request.
type Transport interface {
	Open(ctx context.Context, turns []conversation.Turn) (io.ReadCloser, error)
}

// ChatRequest is the body sent to the chat endpoint.
type ChatRequest struct {
	Messages []conversation.Turn `json:"messages"`
}

type HTTPTransport struct {
	client *http.Client
	url    string
	header http.Header
}

type HTTPTransportOption func(*HTTPTransport)

func WithHTTPClient(client *http.Client) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.client = client
	}
}

func WithHeader(key, value string) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.header.Set(key, value)
	}
}

// NewHTTPTransport posts to url. The default client has no timeout since a
// stream only ends through its sentinel, its body or cancellation.
func NewHTTPTransport(url string, options ...HTTPTransportOption) *HTTPTransport {
	ret := &HTTPTransport{
		client: &http.Client{},
		url:    url,
		header: http.Header{},
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

func (t *HTTPTransport) Open(ctx context.Context, turns []conversation.Turn) (io.ReadCloser, error) {
	body, err := json.Marshal(ChatRequest{Messages: turns})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal chat request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create chat request")
	}
	for k, v := range t.header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	log.Debug().Str("url", t.url).Int("turns", len(turns)).Msg("Opening chat stream")
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "chat request failed")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() {
			_ = resp.Body.Close()
		}()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.Errorf("chat endpoint returned %s: %s",
			resp.Status, strings.TrimSpace(string(snippet)))
	}
	return resp.Body, nil
}

var _ Transport = (*HTTPTransport)(nil)
