package net

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/lcx/signaling/codec"
	"github.com/lcx/signaling/metrics"
	"github.com/tidwall/gjson"
)

// ResultFunc receives the outcome of a request. body is nil when the server sent no content.
// It runs on the queue worker, so it must not block on another request.
type ResultFunc func(body json.RawMessage, err error)

const (
	statusRateLimited = 429

	defaultRateLimitDelay = time.Second
	rateLimitHeader       = "RateLimit-Limit"
)

var acceptedStatus = map[int]struct{}{
	200: {}, 204: {}, 205: {}, 302: {}, 401: {}, 403: {}, 404: {}, 418: {}, 429: {},
}

// requestFrame is the single argument of an outbound request event.
type requestFrame struct {
	Headers map[string]string `json:"headers"`
	URL     string            `json:"url"`
	Data    json.RawMessage   `json:"data,omitempty"`
}

// envelope is the interpreted acknowledgement of one attempt.
type envelope struct {
	status      int
	body        json.RawMessage
	rateLimited bool
	retryDelay  time.Duration
	err         error
}

// parseEnvelope interprets {statusCode, headers?, body}.
func parseEnvelope(args []json.RawMessage) envelope {
	if len(args) == 0 || !gjson.ValidBytes(args[0]) {
		return envelope{err: ErrUnexpectedResponse}
	}
	r := gjson.ParseBytes(args[0])
	if !r.IsObject() {
		return envelope{err: ErrUnexpectedResponse}
	}
	sc := r.Get("statusCode")
	if sc.Type != gjson.Number || sc.Num != float64(int(sc.Num)) {
		return envelope{err: ErrUnexpectedResponse}
	}
	status := int(sc.Num)
	if _, ok := acceptedStatus[status]; !ok {
		return envelope{status: status, err: ErrUnknownServerError}
	}
	if status == statusRateLimited {
		return envelope{status: status, rateLimited: true, retryDelay: rateLimitDelay(r.Get("headers"))}
	}

	body := decodeBody(r.Get("body"))
	if body.IsObject() {
		if e := body.Get("error"); e.Exists() && e.Type != gjson.Null {
			return envelope{status: status, err: &ServerError{
				StatusCode: status,
				Message:    e.String(),
				Details:    body.Get("details").String(),
			}}
		}
	}
	env := envelope{status: status}
	if body.Exists() && body.Type != gjson.Null {
		env.body = json.RawMessage(body.Raw)
	}
	return env
}

// decodeBody unwraps a string body holding JSON. The literal string "null" means no content.
func decodeBody(body gjson.Result) gjson.Result {
	if body.Type != gjson.String {
		return body
	}
	if body.Str == "null" {
		return gjson.Result{}
	}
	if gjson.Valid(body.Str) {
		if inner := gjson.Parse(body.Str); inner.IsObject() || inner.IsArray() {
			return inner
		}
	}
	return body
}

// rateLimitDelay is 1000ms divided by the advertised limit, in whole milliseconds.
func rateLimitDelay(headers gjson.Result) time.Duration {
	h := headers.Get(rateLimitHeader)
	if !h.Exists() {
		return defaultRateLimitDelay
	}
	limit := h.Int()
	if limit <= 0 {
		return defaultRateLimitDelay
	}
	return time.Duration(1000/limit) * time.Millisecond
}

func (c *SignalingChannel) encodeRequest(path string, data any) (json.RawMessage, error) {
	frame := requestFrame{
		Headers: map[string]string{"App-Token": c.appToken},
		URL:     path,
	}
	if data != nil {
		b, err := codec.Encode(data)
		if err != nil {
			return nil, &EncodingError{Err: err}
		}
		frame.Data = b
	}
	b, err := codec.Encode(frame)
	if err != nil {
		return nil, &EncodingError{Err: err}
	}
	if limit := c.config().MaxBodySize; limit > 0 && len(b) > limit {
		return nil, ErrBodyTooLarge
	}
	return b, nil
}

// SendRequest queues method path with data as payload. cb runs once with the
// result unless the connection is torn down first, in which case it never runs.
// ErrNotConnected, *EncodingError and ErrBodyTooLarge are returned directly and
// nothing is queued.
func (c *SignalingChannel) SendRequest(method, path string, data any, cb ResultFunc) error {
	_, err := c.sendRequest(method, path, data, cb, true)
	return err
}

// Do is SendRequest that waits for the result. A request abandoned by a
// disconnect fails with ErrDisconnected.
func (c *SignalingChannel) Do(ctx context.Context, method, path string, data any) (json.RawMessage, error) {
	return c.do(ctx, method, path, data, true)
}

type rpcResult struct {
	body json.RawMessage
	err  error
}

func (c *SignalingChannel) do(ctx context.Context, method, path string, data any, requireConnected bool) (json.RawMessage, error) {
	res := make(chan rpcResult, 1)
	flushed, err := c.sendRequest(method, path, data, func(body json.RawMessage, err error) {
		res <- rpcResult{body: body, err: err}
	}, requireConnected)
	if err != nil {
		return nil, err
	}

	select {
	case r := <-res:
		return r.body, r.err
	case <-flushed:
		select {
		case r := <-res:
			return r.body, r.err
		default:
			return nil, ErrDisconnected
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *SignalingChannel) sendRequest(method, path string, data any, cb ResultFunc, requireConnected bool) (<-chan struct{}, error) {
	method = strings.ToLower(method)
	if requireConnected && !c.IsConnected() {
		metrics.IncrCounterWithDimGroup("net", "rpc_result_total", 1, metrics.Dimension{"result": "not_connected"})
		return nil, ErrNotConnected
	}

	frame, err := c.encodeRequest(path, data)
	if err != nil {
		metrics.IncrCounterWithDimGroup("net", "rpc_result_total", 1, metrics.Dimension{"result": "encoding"})
		return nil, err
	}

	tx := &transaction{name: method, path: path, attempt: 1}
	tx.run = func(ack AckFunc) error {
		sock := c.socket()
		if sock == nil {
			return ErrNotConnected
		}
		metrics.IncrCounterWithDimGroup("net", "rpc_sent_total", 1, metrics.Dimension{"method": method})
		return sock.Emit(method, []json.RawMessage{frame}, ack)
	}
	tx.done = func(tx *transaction, args []json.RawMessage, err error) {
		c.complete(tx, args, err, cb)
	}

	flushed, ok := c.queue.submit(tx)
	if !ok {
		return nil, ErrNotConnected
	}
	return flushed, nil
}

// complete interprets one attempt and either retries or reports.
func (c *SignalingChannel) complete(tx *transaction, args []json.RawMessage, err error, cb ResultFunc) {
	var body json.RawMessage
	if err == nil {
		env := parseEnvelope(args)
		switch {
		case env.rateLimited && tx.attempt < c.config().MaxAttempts:
			retry := *tx
			retry.attempt++
			metrics.IncrCounterWithGroup("net", "rpc_rate_limited_total", 1)
			c.logger.Debug().Str("path", tx.path).Int("attempt", retry.attempt).
				Dur("delay", env.retryDelay).Msg("rate limited, retrying")
			c.queue.resubmit(env.retryDelay, &retry)
			return
		case env.rateLimited:
			err = ErrRateLimitExceeded
		default:
			body, err = env.body, env.err
		}
	}

	result := "ok"
	if err != nil {
		result = resultLabel(err)
		c.logger.Debug().Str("method", tx.name).Str("path", tx.path).Err(err).Msg("request failed")
	}
	metrics.IncrCounterWithDimGroup("net", "rpc_result_total", 1, metrics.Dimension{"result": result})

	if cb != nil {
		cb(body, err)
	}
}

func resultLabel(err error) string {
	switch err {
	case ErrRateLimitExceeded:
		return "rate_limited"
	case ErrUnexpectedResponse:
		return "unexpected"
	case ErrUnknownServerError:
		return "unknown_status"
	case ErrRequestTimeout:
		return "timeout"
	case ErrNotConnected, ErrSocketClosed:
		return "not_connected"
	}
	if _, ok := err.(*ServerError); ok {
		return "server_error"
	}
	return "error"
}
