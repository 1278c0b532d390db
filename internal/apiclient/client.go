// Package apiclient is the viewer-side client of the taskdeck REST API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"taskdeck/internal/global"
	"taskdeck/internal/protocol"
)

const defaultUnaryTimeout = 10 * time.Second

type Client struct {
	baseURL      string
	token        string
	client       *http.Client
	unaryTimeout time.Duration
}

func New(baseURL, token string) *Client {
	return NewWithClient(baseURL, token, &http.Client{})
}

func NewWithClient(baseURL, token string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		token:        strings.TrimSpace(token),
		client:       client,
		unaryTimeout: defaultUnaryTimeout,
	}
}

func (c *Client) WithUnaryTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	clone.unaryTimeout = timeout
	return &clone
}

// RequestError is a non-2xx answer. It unwraps to the protocol sentinel
// matching its code, so callers can use errors.Is.
type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	switch {
	case code != "" && message != "":
		return fmt.Sprintf("%s: %s", code, message)
	case code != "":
		return code
	case message != "":
		return fmt.Sprintf("http %d: %s", e.StatusCode, message)
	default:
		return fmt.Sprintf("http %d", e.StatusCode)
	}
}

func (e *RequestError) Unwrap() error {
	if e == nil {
		return nil
	}
	if err := protocol.ErrorForCode(e.Code); err != nil {
		return err
	}
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return protocol.ErrUnauthorized
	case http.StatusNotFound:
		return protocol.ErrNotFound
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return protocol.ErrUnreachable
	}
	return nil
}

func (c *Client) ListTasks(ctx context.Context) ([]protocol.Task, error) {
	var out []protocol.Task
	err := c.do(ctx, http.MethodGet, "/api/tasks", nil, &out)
	return out, err
}

func (c *Client) GetTask(ctx context.Context, id string) (protocol.Task, error) {
	var out protocol.Task
	err := c.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) LaunchTask(ctx context.Context, req protocol.LaunchRequest) (protocol.Task, error) {
	var out protocol.Task
	err := c.do(ctx, http.MethodPost, "/api/tasks", req, &out)
	return out, err
}

func (c *Client) AttachPID(ctx context.Context, req protocol.AttachRequest) (protocol.Task, error) {
	var out protocol.Task
	err := c.do(ctx, http.MethodPost, "/api/tasks/attach", req, &out)
	return out, err
}

func (c *Client) StartTask(ctx context.Context, id string) (protocol.Task, error) {
	var out protocol.Task
	err := c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(id)+"/start", nil, &out)
	return out, err
}

func (c *Client) StopTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(id)+"/stop", nil, nil)
}

// Settings fetches the server's persisted settings.
func (c *Client) Settings(ctx context.Context) (global.GlobalConfig, error) {
	var out global.GlobalConfig
	err := c.do(ctx, http.MethodGet, "/api/config", nil, &out)
	return out, err
}

// PTYURL returns the websocket URL for a task's terminal stream, carrying
// the viewer's geometry so the first screen is drawn at the right size.
func (c *Client) PTYURL(taskID string, cols, rows int) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/tasks/" + taskID + "/pty"
	q := url.Values{}
	if cols > 0 && rows > 0 {
		q.Set("cols", strconv.Itoa(cols))
		q.Set("rows", strconv.Itoa(rows))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// AuthHeader returns the headers every request carries.
func (c *Client) AuthHeader() http.Header {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	return h
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	reqCtx := ctx
	if c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
			defer cancel()
		}
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.AuthHeader() {
		req.Header[k] = v
	}
	otel.GetTextMapPropagator().Inject(reqCtx, propagation.HeaderCarrier(req.Header))

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		return fmt.Errorf("%s %s: %v: %w", method, path, err, protocol.ErrUnreachable)
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %v: %w", err, protocol.ErrUnreachable)
	}
	var env protocol.Envelope
	decodeErr := json.Unmarshal(payload, &env)
	if resp.StatusCode >= 400 || (decodeErr == nil && !env.OK) {
		reqErr := &RequestError{StatusCode: resp.StatusCode}
		if decodeErr == nil && env.Error != nil {
			reqErr.Code = env.Error.Code
			reqErr.Message = env.Error.Message
		} else {
			reqErr.Message = strings.TrimSpace(string(payload))
		}
		return reqErr
	}
	if decodeErr != nil {
		return fmt.Errorf("decode response: %w", decodeErr)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}
