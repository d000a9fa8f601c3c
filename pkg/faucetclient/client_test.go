package faucetclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/govinda777/zerodev-token-shop-sub001/internal/domain"
	"github.com/govinda777/zerodev-token-shop-sub001/pkg/clock"
)

var alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestGetUserStats(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/faucet/users/"+alice.Hex() {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		writeJSON(w, http.StatusOK, domain.UserStats{
			Address:            alice,
			LastClaimAt:        1_700_000_000,
			TotalClaimed:       25,
			TimeUntilNextClaim: 86_400,
			NextClaimAt:        1_700_086_400,
			CooldownSeconds:    86_400,
			ClaimCount:         1,
			AuthoritativeNow:   1_700_000_000,
		})
	}))
	defer server.Close()

	stats, err := New(server.URL).GetUserStats(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, alice, stats.Address)
	assert.Equal(t, clock.SecondsTimestamp(1_700_086_400), stats.NextClaimAt)
	assert.False(t, stats.CanClaim)
}

func TestRequestTokensSendsBearerToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer session-token" {
			t.Errorf("unexpected authorization header %q", got)
		}
		writeJSON(w, http.StatusCreated, domain.ClaimReceipt{Claimant: alice, Amount: 25, PoolBalance: 75})
	}))
	defer server.Close()

	receipt, err := New(server.URL).RequestTokens(context.Background(), "session-token")
	require.NoError(t, err)
	assert.Equal(t, domain.Amount(75), receipt.PoolBalance)
}

func TestErrorsCarryFaucetKind(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error":             "cooldown has not passed (retry in 120s)",
			"kind":              "cooldown_not_passed",
			"remaining_seconds": 120,
		})
	}))
	defer server.Close()

	_, err := New(server.URL).RequestTokens(context.Background(), "session-token")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Equal(t, clock.Seconds(120), apiErr.RemainingSeconds)
	assert.True(t, errors.Is(err, domain.ErrCooldownNotPassed))
	assert.False(t, errors.Is(err, domain.ErrInsufficientFaucetBalance))
}

func TestPlainTextErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := New(server.URL).GetFaucetStats(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "upstream down", apiErr.Message)
	assert.Empty(t, apiErr.Kind)
}

func TestSetCooldownBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("unexpected method %s", r.Method)
		}
		var body map[string]int64
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["cooldown_seconds"] != 3600 {
			t.Errorf("unexpected body %v", body)
		}
		writeJSON(w, http.StatusOK, body)
	}))
	defer server.Close()

	require.NoError(t, New(server.URL).SetCooldown(context.Background(), "owner-token", 3600))
}

func TestCanClaimAndRemaining(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/faucet/users/"+alice.Hex()+"/can-claim", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"address": alice, "can_claim": true})
	})
	mux.HandleFunc("/faucet/users/"+alice.Hex()+"/time-until-next-claim", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"address": alice, "seconds": 0})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := New(server.URL)
	can, err := client.CanClaim(context.Background(), alice)
	require.NoError(t, err)
	assert.True(t, can)

	remaining, err := client.TimeUntilNextClaim(context.Background(), alice)
	require.NoError(t, err)
	assert.Zero(t, remaining)
}
