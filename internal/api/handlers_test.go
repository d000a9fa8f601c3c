package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/govinda777/zerodev-token-shop-sub001/internal/app"
	"github.com/govinda777/zerodev-token-shop-sub001/internal/domain"
	"github.com/govinda777/zerodev-token-shop-sub001/internal/store"
	"github.com/govinda777/zerodev-token-shop-sub001/pkg/clock"
)

const (
	testSecret      = "test-hmac-secret"
	testInternalKey = "internal-key"
)

var (
	ownerAddr = common.HexToAddress("0x000000000000000000000000000000000000000f")
	aliceAddr = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
)

type apiFixture struct {
	server *httptest.Server
	clock  *clock.Manual
}

func newAPIFixture(t *testing.T, balance domain.Amount) *apiFixture {
	t.Helper()
	repo := store.NewMemoryRepository("faucet.events")
	manual := clock.NewManual(1_700_000_000, 1_700_000_000_000)
	metrics := app.NewMetrics()
	ledger := app.NewService(repo, clock.Source{Authoritative: manual, Local: manual}, metrics, nil)
	params := domain.FaucetParameters{ClaimAmount: 25, CooldownSeconds: 60, Owner: ownerAddr}
	require.NoError(t, ledger.Bootstrap(context.Background(), params, balance))

	auth := NewAuthenticator("", testSecret)
	t.Cleanup(auth.Close)

	router := NewRouter(NewHandler(ledger, app.NewAdmin(repo, ledger, metrics, nil), nil), RouterOptions{
		Auth:           auth,
		InternalAPIKey: testInternalKey,
		Metrics:        metrics.Handler(),
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return &apiFixture{server: server, clock: manual}
}

func signHMAC(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body interface{}, headers map[string]string) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestClaimAndStatsFlow(t *testing.T) {
	f := newAPIFixture(t, 100)
	token := signHMAC(t, aliceAddr.Hex())

	resp := f.do(t, http.MethodPost, "/faucet/claim", token, nil, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var receipt domain.ClaimReceipt
	decode(t, resp, &receipt)
	assert.Equal(t, aliceAddr, receipt.Claimant)
	assert.Equal(t, domain.Amount(25), receipt.Amount)
	assert.Equal(t, domain.Amount(75), receipt.PoolBalance)

	resp = f.do(t, http.MethodPost, "/faucet/claim", token, nil, nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))
	var errBody errorResponse
	decode(t, resp, &errBody)
	assert.Equal(t, string(domain.KindCooldownNotPassed), errBody.Kind)
	assert.Equal(t, int64(60), errBody.RemainingSeconds)

	f.clock.Advance(20 * time.Second)

	resp = f.do(t, http.MethodGet, "/faucet/users/"+aliceAddr.Hex(), "", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats domain.UserStats
	decode(t, resp, &stats)
	assert.False(t, stats.CanClaim)
	assert.Equal(t, clock.Seconds(40), stats.TimeUntilNextClaim)
	assert.Equal(t, domain.Amount(25), stats.TotalClaimed)

	resp = f.do(t, http.MethodGet, "/faucet/users/"+aliceAddr.Hex()+"/time-until-next-claim", "", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var remaining timeUntilNextClaimResponse
	decode(t, resp, &remaining)
	assert.Equal(t, clock.Seconds(40), remaining.Seconds)

	f.clock.Advance(40 * time.Second)
	resp = f.do(t, http.MethodGet, "/faucet/users/"+aliceAddr.Hex()+"/can-claim", "", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var can canClaimResponse
	decode(t, resp, &can)
	assert.True(t, can.CanClaim)

	resp = f.do(t, http.MethodGet, "/faucet/stats", "", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var faucet domain.FaucetStats
	decode(t, resp, &faucet)
	assert.Equal(t, domain.Amount(75), faucet.Balance)
	assert.Equal(t, int64(1), faucet.TotalUsers)
	assert.Equal(t, ownerAddr, faucet.Owner)
}

func TestInvalidAddressIsBadRequest(t *testing.T) {
	f := newAPIFixture(t, 100)
	resp := f.do(t, http.MethodGet, "/faucet/users/not-an-address", "", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClaimRequiresToken(t *testing.T) {
	f := newAPIFixture(t, 100)

	tests := []struct {
		name   string
		header string
	}{
		{name: "missing header", header: ""},
		{name: "not bearer", header: "Token abc"},
		{name: "bad signature", header: "Bearer " + signHMAC(t, aliceAddr.Hex()) + "x"},
		{name: "subject not an address", header: "Bearer " + signHMAC(t, "user_123")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]string{}
			if tt.header != "" {
				headers["Authorization"] = tt.header
			}
			resp := f.do(t, http.MethodPost, "/faucet/claim", "", nil, headers)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}
}

func TestEmptyPoolIsServiceUnavailable(t *testing.T) {
	f := newAPIFixture(t, 10)
	resp := f.do(t, http.MethodPost, "/faucet/claim", signHMAC(t, aliceAddr.Hex()), nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var errBody errorResponse
	decode(t, resp, &errBody)
	assert.Equal(t, string(domain.KindInsufficientFaucetBalance), errBody.Kind)
	assert.Equal(t, int64(15), errBody.Shortfall)
}

func TestAdminCooldown(t *testing.T) {
	f := newAPIFixture(t, 100)

	resp := f.do(t, http.MethodPut, "/faucet/admin/cooldown", signHMAC(t, aliceAddr.Hex()), map[string]int64{"cooldown_seconds": 10}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	ownerToken := signHMAC(t, ownerAddr.Hex())
	resp = f.do(t, http.MethodPut, "/faucet/admin/cooldown", ownerToken, map[string]int64{"cooldown_seconds": -1}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPut, "/faucet/admin/cooldown", ownerToken, map[string]string{}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPut, "/faucet/admin/cooldown", ownerToken, map[string]int64{"cooldown_seconds": 0}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/faucet/stats", "", nil, nil)
	var faucet domain.FaucetStats
	decode(t, resp, &faucet)
	assert.Equal(t, clock.Seconds(0), faucet.CooldownSeconds)
}

func TestInternalRoutes(t *testing.T) {
	f := newAPIFixture(t, 0)
	key := map[string]string{"X-Internal-API-Key": testInternalKey}

	resp := f.do(t, http.MethodPost, "/internal/faucet/pool/top-up", "", map[string]int64{"amount": 50}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/internal/faucet/pool/top-up", "", map[string]int64{"amount": 0}, key)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/internal/faucet/pool/top-up", "", map[string]int64{"amount": 50}, key)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pool domain.PoolState
	decode(t, resp, &pool)
	assert.Equal(t, domain.Amount(50), pool.Balance)

	resp = f.do(t, http.MethodPost, "/internal/faucet/claims", "", map[string]string{"address": aliceAddr.Hex()}, key)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/internal/faucet/claims", "", map[string]string{"address": "0x123"}, key)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestInternalAuthMiddlewareClosedWithoutKey(t *testing.T) {
	handler := InternalAuthMiddleware("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/internal/faucet/claims", nil)
	req.Header.Set("X-Internal-API-Key", "")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with no configured key, got %d", rr.Code)
	}
}

func TestClockAndHealthEndpoints(t *testing.T) {
	f := newAPIFixture(t, 100)

	resp := f.do(t, http.MethodGet, "/health", "", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	f.clock.AdvanceLocal(10 * time.Minute)
	resp = f.do(t, http.MethodGet, "/faucet/clock", "", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status app.ClockStatus
	decode(t, resp, &status)
	assert.Equal(t, clock.SecondsTimestamp(1_700_000_000), status.AuthoritativeNow)
	assert.Equal(t, clock.Seconds(600), status.DriftSeconds)
	assert.True(t, status.DriftExceeded)

	resp = f.do(t, http.MethodGet, "/metrics", "", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(raw), "faucet_pool_balance"))
}

func TestClockUnavailableIsServiceUnavailable(t *testing.T) {
	f := newAPIFixture(t, 100)
	f.clock.SetUnavailable(clock.ErrUnavailable)

	resp := f.do(t, http.MethodGet, "/faucet/stats", "", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var errBody errorResponse
	decode(t, resp, &errBody)
	assert.Equal(t, string(domain.KindClockUnavailable), errBody.Kind)
}
