/**
 * @description
 * Authentication middleware for the faucet API. Wallet sessions arrive as JWTs whose
 * subject is the wallet address; the faucet never authenticates principals beyond that
 * and only compares the address with the owner for admin calls. Server-to-server calls
 * use the shared X-Internal-API-Key header.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: Token parsing and validation.
 * - github.com/ReneKroon/ttlcache/v2: JWKS key cache.
 * - github.com/go-resty/resty/v2: JWKS fetches.
 */

package api

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"encoding/base64"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ReneKroon/ttlcache/v2"
	"github.com/cockroachdb/errors"
	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/govinda777/zerodev-token-shop-sub001/internal/domain"
)

type contextKey string

const walletAddressKey = contextKey("walletAddress")

const jwksCacheTTL = 10 * time.Minute

// Authenticator verifies wallet-session tokens signed either with a JWKS-published RSA key
// or with a shared HMAC secret.
type Authenticator struct {
	jwksURL    string
	hmacSecret []byte
	keys       *ttlcache.Cache
	http       *resty.Client
}

// NewAuthenticator creates an authenticator. Either source may be empty; with both empty
// every token is rejected.
func NewAuthenticator(jwksURL, hmacSecret string) *Authenticator {
	a := &Authenticator{
		jwksURL:    strings.TrimSpace(jwksURL),
		hmacSecret: []byte(hmacSecret),
		keys:       ttlcache.NewCache(),
		http:       resty.New().SetTimeout(10 * time.Second),
	}
	_ = a.keys.SetTTL(jwksCacheTTL)
	a.keys.SetLoaderFunction(a.loadKey)
	return a
}

// Close stops the key cache.
func (a *Authenticator) Close() {
	_ = a.keys.Close()
}

// Configured reports whether any verification source is set.
func (a *Authenticator) Configured() bool {
	return a.jwksURL != "" || len(a.hmacSecret) > 0
}

// Authenticate validates a raw token and returns the wallet address in its subject.
func (a *Authenticator) Authenticate(tokenString string) (domain.Address, error) {
	token, err := jwt.Parse(tokenString, a.keyFunc, jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "HS256", "HS384", "HS512"}))
	if err != nil {
		return domain.Address{}, errors.Wrap(err, "invalid token")
	}
	if !token.Valid {
		return domain.Address{}, errors.New("invalid token")
	}
	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		return domain.Address{}, errors.New("token has no subject")
	}
	addr, err := domain.ParseAddress(subject)
	if err != nil {
		return domain.Address{}, errors.New("token subject is not a wallet address")
	}
	return addr, nil
}

func (a *Authenticator) keyFunc(token *jwt.Token) (interface{}, error) {
	switch token.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if len(a.hmacSecret) == 0 {
			return nil, errors.New("hmac tokens are not accepted")
		}
		return a.hmacSecret, nil
	case *jwt.SigningMethodRSA:
		if a.jwksURL == "" {
			return nil, errors.New("rsa tokens are not accepted")
		}
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, errors.New("kid not found in token header")
		}
		key, err := a.keys.Get(kid)
		if err != nil {
			return nil, errors.Wrap(err, "failed to get public key")
		}
		return key, nil
	default:
		return nil, errors.Newf("unexpected signing method: %v", token.Header["alg"])
	}
}

type jwksDocument struct {
	Keys []struct {
		Kid string `json:"kid"`
		Kty string `json:"kty"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

func (a *Authenticator) loadKey(kid string) (interface{}, time.Duration, error) {
	var doc jwksDocument
	resp, err := a.http.R().SetResult(&doc).Get(a.jwksURL)
	if err != nil {
		return nil, 0, errors.Wrap(err, "fetch jwks")
	}
	if resp.IsError() {
		return nil, 0, errors.Newf("fetch jwks: status %d", resp.StatusCode())
	}
	for _, key := range doc.Keys {
		if key.Kid == kid {
			pub, err := parseRSAPublicKey(key.N, key.E)
			if err != nil {
				return nil, 0, err
			}
			return pub, jwksCacheTTL, nil
		}
	}
	return nil, 0, errors.Newf("key with kid %s not found", kid)
}

func parseRSAPublicKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode modulus")
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode exponent")
	}
	var exp uint64
	for _, b := range eb {
		exp = (exp << 8) | uint64(b)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: int(exp)}, nil
}

// WalletAuthMiddleware requires a valid bearer token and puts the wallet address in the context.
func WalletAuthMiddleware(auth *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "Authorization header required")
				return
			}
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				writeError(w, http.StatusUnauthorized, "Invalid Authorization header format")
				return
			}

			addr, err := auth.Authenticate(tokenString)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}

			ctx := context.WithValue(r.Context(), walletAddressKey, addr)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WalletFromContext returns the authenticated wallet address.
func WalletFromContext(ctx context.Context) (domain.Address, bool) {
	addr, ok := ctx.Value(walletAddressKey).(domain.Address)
	return addr, ok
}

// InternalAuthMiddleware validates the internal API key for server-to-server calls.
// An empty key closes the routes instead of opening them.
func InternalAuthMiddleware(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get("X-Internal-API-Key")
			if requiredKey == "" || provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(requiredKey)) != 1 {
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
