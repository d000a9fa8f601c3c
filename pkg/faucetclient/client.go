// Package faucetclient implements a small wrapper for the faucet service's web API.
package faucetclient

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-resty/resty/v2"

	"github.com/govinda777/zerodev-token-shop-sub001/internal/domain"
	"github.com/govinda777/zerodev-token-shop-sub001/pkg/clock"
)

const (
	routeStats     = "/faucet/stats"
	routeClock     = "/faucet/clock"
	routeUsers     = "/faucet/users/"
	routeClaim     = "/faucet/claim"
	routeCooldown  = "/faucet/admin/cooldown"
	defaultTimeout = 10 * time.Second
)

// APIError is a non-2xx answer from the faucet service.
type APIError struct {
	StatusCode       int
	Message          string
	Kind             domain.ErrorKind
	RemainingSeconds clock.Seconds
	Shortfall        domain.Amount
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("faucet api: %d %s: %s", e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("faucet api: %d: %s", e.StatusCode, e.Message)
}

// Unwrap exposes the faucet error so callers can match it with errors.Is.
func (e *APIError) Unwrap() error {
	if e.Kind == "" {
		return nil
	}
	return &domain.FaucetError{
		Kind:             e.Kind,
		RemainingSeconds: e.RemainingSeconds,
		Shortfall:        e.Shortfall,
	}
}

type errorBody struct {
	Error            string `json:"error"`
	Kind             string `json:"kind"`
	RemainingSeconds int64  `json:"remaining_seconds"`
	Shortfall        int64  `json:"shortfall"`
}

// ClockStatus mirrors the service's clock endpoint.
type ClockStatus struct {
	AuthoritativeNow clock.SecondsTimestamp `json:"authoritative_now"`
	LocalNowMillis   clock.MillisTimestamp  `json:"local_now_ms"`
	DriftSeconds     clock.Seconds          `json:"drift_seconds"`
	DriftExceeded    bool                   `json:"drift_exceeded"`
}

// Client talks to a faucet service.
type Client struct {
	http *resty.Client
}

// New returns a client for the service at baseURL.
func New(baseURL string) *Client {
	return NewWithClient(resty.New().SetTimeout(defaultTimeout), baseURL)
}

// NewWithClient wraps an existing resty client.
func NewWithClient(rc *resty.Client, baseURL string) *Client {
	return &Client{http: rc.SetBaseURL(strings.TrimRight(baseURL, "/"))}
}

// GetUserStats returns the per-address view.
func (c *Client) GetUserStats(ctx context.Context, addr domain.Address) (*domain.UserStats, error) {
	res := &domain.UserStats{}
	if err := c.do(ctx, http.MethodGet, routeUsers+addr.Hex(), "", nil, res); err != nil {
		return nil, err
	}
	return res, nil
}

// GetFaucetStats returns the pool-wide view.
func (c *Client) GetFaucetStats(ctx context.Context) (*domain.FaucetStats, error) {
	res := &domain.FaucetStats{}
	if err := c.do(ctx, http.MethodGet, routeStats, "", nil, res); err != nil {
		return nil, err
	}
	return res, nil
}

// CanClaim asks whether addr is past its cooldown.
func (c *Client) CanClaim(ctx context.Context, addr domain.Address) (bool, error) {
	var res struct {
		CanClaim bool `json:"can_claim"`
	}
	if err := c.do(ctx, http.MethodGet, routeUsers+addr.Hex()+"/can-claim", "", nil, &res); err != nil {
		return false, err
	}
	return res.CanClaim, nil
}

// TimeUntilNextClaim returns the seconds left before addr may claim again.
func (c *Client) TimeUntilNextClaim(ctx context.Context, addr domain.Address) (clock.Seconds, error) {
	var res struct {
		Seconds clock.Seconds `json:"seconds"`
	}
	if err := c.do(ctx, http.MethodGet, routeUsers+addr.Hex()+"/time-until-next-claim", "", nil, &res); err != nil {
		return 0, err
	}
	return res.Seconds, nil
}

// Clock returns the service's clock readings.
func (c *Client) Clock(ctx context.Context) (*ClockStatus, error) {
	res := &ClockStatus{}
	if err := c.do(ctx, http.MethodGet, routeClock, "", nil, res); err != nil {
		return nil, err
	}
	return res, nil
}

// RequestTokens claims for the wallet the token was issued to.
func (c *Client) RequestTokens(ctx context.Context, token string) (*domain.ClaimReceipt, error) {
	res := &domain.ClaimReceipt{}
	if err := c.do(ctx, http.MethodPost, routeClaim, token, nil, res); err != nil {
		return nil, err
	}
	return res, nil
}

// SetCooldown changes the cooldown. The token must belong to the owner.
func (c *Client) SetCooldown(ctx context.Context, token string, cooldown clock.Seconds) error {
	body := map[string]int64{"cooldown_seconds": int64(cooldown)}
	return c.do(ctx, http.MethodPut, routeCooldown, token, body, nil)
}

func (c *Client) do(ctx context.Context, method, route, token string, reqObj, resObj interface{}) error {
	req := c.http.R().SetContext(ctx).SetError(&errorBody{})
	if token != "" {
		req.SetAuthToken(token)
	}
	if reqObj != nil {
		req.SetBody(reqObj)
	}
	if resObj != nil {
		req.SetResult(resObj)
	}

	resp, err := req.Execute(method, route)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, route)
	}
	if !resp.IsError() {
		return nil
	}

	apiErr := &APIError{StatusCode: resp.StatusCode()}
	body, ok := resp.Error().(*errorBody)
	if !ok || body == nil || body.Error == "" {
		apiErr.Message = strings.TrimSpace(resp.String())
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode())
		}
		return apiErr
	}
	apiErr.Message = body.Error
	apiErr.Kind = domain.ErrorKind(body.Kind)
	apiErr.RemainingSeconds = clock.Seconds(body.RemainingSeconds)
	apiErr.Shortfall = domain.Amount(body.Shortfall)
	return apiErr
}
