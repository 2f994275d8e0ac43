package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/lcx/signaling/codec"
	"github.com/lcx/signaling/log"
	"github.com/lcx/signaling/metrics"
	"github.com/lcx/signaling/net"
	"github.com/tidwall/gjson"
)

const maxTokenResponse = 1 << 20

// TokenSource performs the REST bootstrap that precedes the socket connection.
type TokenSource interface {
	// RequestToken asks for a single-use token for endpointID in appID.
	RequestToken(ctx context.Context, appID, endpointID string) (tokenID string, err error)

	// OpenSession exchanges a single-use token for the app token that
	// authenticates the socket.
	OpenSession(ctx context.Context, tokenID string) (appToken string, err error)
}

// HTTPTokenSource is a TokenSource talking to the REST API.
type HTTPTokenSource struct {
	baseURL string
	ttl     time.Duration
	client  *http.Client
	logger  *log.ComponentLogger
}

// NewHTTPTokenSource creates a token source for baseURL on a pooled HTTP client.
func NewHTTPTokenSource(baseURL string, ttl, timeout time.Duration) *HTTPTokenSource {
	c := cleanhttp.DefaultPooledClient()
	c.Timeout = timeout
	return &HTTPTokenSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		ttl:     ttl,
		client:  c,
		logger:  log.Named("token"),
	}
}

func (s *HTTPTokenSource) RequestToken(ctx context.Context, appID, endpointID string) (string, error) {
	r, err := s.post(ctx, "/v1/tokens", map[string]any{
		"appId":      appID,
		"endpointId": endpointID,
		"ttl":        int64(s.ttl / time.Second),
	})
	if err != nil {
		return "", err
	}
	tokenID := r.Get("tokenId").String()
	if tokenID == "" {
		return "", net.ErrUnexpectedResponse
	}
	return tokenID, nil
}

func (s *HTTPTokenSource) OpenSession(ctx context.Context, tokenID string) (string, error) {
	r, err := s.post(ctx, "/v1/session-tokens", map[string]any{"tokenId": tokenID})
	if err != nil {
		return "", err
	}
	token := r.Get("token").String()
	if token == "" {
		return "", net.ErrUnexpectedResponse
	}
	return token, nil
}

func (s *HTTPTokenSource) post(ctx context.Context, path string, body any) (gjson.Result, error) {
	b, err := codec.Encode(body)
	if err != nil {
		return gjson.Result{}, &net.EncodingError{Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return gjson.Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		metrics.IncrCounterWithDimGroup("client", "bootstrap_total", 1, metrics.Dimension{"path": path, "result": "error"})
		return gjson.Result{}, fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()
	metrics.ObserveWithGroup("client", "bootstrap_latency_seconds", metrics.Value(time.Since(start).Seconds()), metrics.Dimension{"path": path})

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponse))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("read %s response: %w", path, err)
	}
	r := gjson.ParseBytes(raw)
	if resp.StatusCode >= http.StatusMultipleChoices {
		metrics.IncrCounterWithDimGroup("client", "bootstrap_total", 1, metrics.Dimension{"path": path, "result": "rejected"})
		msg := r.Get("error").String()
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		s.logger.Debug().Str("path", path).Int("status", resp.StatusCode).Str("error", msg).Msg("bootstrap request rejected")
		return gjson.Result{}, &net.ServerError{
			StatusCode: resp.StatusCode,
			Message:    msg,
			Details:    r.Get("details").String(),
		}
	}
	if !r.IsObject() {
		metrics.IncrCounterWithDimGroup("client", "bootstrap_total", 1, metrics.Dimension{"path": path, "result": "unexpected"})
		return gjson.Result{}, net.ErrUnexpectedResponse
	}
	metrics.IncrCounterWithDimGroup("client", "bootstrap_total", 1, metrics.Dimension{"path": path, "result": "ok"})
	return r, nil
}
