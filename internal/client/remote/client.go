// Package remote is the HTTP client for the progress and hover-tracking
// endpoints.
//
// Transport failures and timeouts are reported as ErrUnreachable; any
// non-2xx response is a *StatusError carrying the status code and body.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dalemusser/conspiracypass/internal/domain/models"
	"go.uber.org/zap"
)

// DefaultTimeout bounds each request when no timeout is configured.
const DefaultTimeout = 10 * time.Second

// ErrUnreachable means the server could not be reached or did not answer in time.
var ErrUnreachable = errors.New("remote: progress service unreachable")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote: status %d: %s", e.Code, strings.TrimSpace(e.Body))
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

// Client talks to one progress service.
type Client struct {
	base    *url.URL
	http    *http.Client
	timeout time.Duration
	log     *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

// WithTimeout sets the per-request deadline.
func WithTimeout(d time.Duration) Option { return func(c *Client) { c.timeout = d } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(c *Client) { c.log = l } }

// New returns a Client for the service rooted at baseURL (for example
// "https://pass.example.org/api").
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("remote: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("remote: base url %q must be http or https", baseURL)
	}
	c := &Client{base: u, http: http.DefaultClient, timeout: DefaultTimeout, log: zap.NewNop()}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	return c, nil
}

// GetProgress fetches (and on the server, bootstraps) the record for code.
func (c *Client) GetProgress(ctx context.Context, code string) (models.Participant, error) {
	var p models.Participant
	err := c.do(ctx, http.MethodGet, "/progress", url.Values{"code": {code}}, nil, &p)
	return p, err
}

// GetAllProgress fetches every record keyed by participant code.
func (c *Client) GetAllProgress(ctx context.Context) (map[string]models.Participant, error) {
	out := map[string]models.Participant{}
	err := c.do(ctx, http.MethodGet, "/progress", url.Values{"code": {"all"}}, nil, &out)
	return out, err
}

// PutProgress merges patch into the record for code and returns the result.
// patch may be a models.Participant or any JSON-encodable partial object.
func (c *Client) PutProgress(ctx context.Context, code string, patch any) (models.Participant, error) {
	var p models.Participant
	err := c.do(ctx, http.MethodPut, "/progress", url.Values{"code": {code}}, patch, &p)
	return p, err
}

// SetMission locks or unlocks mission n for every participant.
func (c *Client) SetMission(ctx context.Context, n int, unlocked bool, adminCode string) (models.MissionUpdate, error) {
	code := "missions-lock"
	if unlocked {
		code = "missions-unlock"
	}
	var upd models.MissionUpdate
	body := map[string]any{"missionId": n, "adminCode": adminCode}
	err := c.do(ctx, http.MethodPut, "/progress", url.Values{"code": {code}}, body, &upd)
	return upd, err
}

// DeleteProgress removes one participant.
func (c *Client) DeleteProgress(ctx context.Context, code, adminCode string) (models.DeleteResult, error) {
	var res models.DeleteResult
	err := c.do(ctx, http.MethodDelete, "/progress", url.Values{"code": {code}}, map[string]string{"adminCode": adminCode}, &res)
	return res, err
}

// DeleteAll removes every participant and relocks all missions.
func (c *Client) DeleteAll(ctx context.Context, adminCode string) (models.DeleteResult, error) {
	return c.DeleteProgress(ctx, "all", adminCode)
}

// MissionsConfig fetches the global missions config.
func (c *Client) MissionsConfig(ctx context.Context) (models.MissionsConfig, error) {
	var cfg models.MissionsConfig
	err := c.do(ctx, http.MethodGet, "/progress/config", nil, nil, &cfg)
	return cfg, err
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, in, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = q.Encode()

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("remote: encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("remote: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug("progress request failed", zap.String("method", method), zap.String("url", u.String()), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrUnreachable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Body: string(raw)}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("remote: decode %s %s: %w", method, path, err)
	}
	return nil
}
