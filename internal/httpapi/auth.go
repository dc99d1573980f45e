package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/agentworkforce/relaystate/internal/statesync"
)

const tokenAudience = "relaystate"

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// ContextClaims identify the execution context a token was minted for.
type ContextClaims struct {
	ContextID string                `json:"context_id"`
	Kind      statesync.ContextKind `json:"kind"`
	Exp       int64                 `json:"exp"`
}

// MintToken signs an HS256 bearer token for one context.
func MintToken(secret, contextID string, kind statesync.ContextKind, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" || strings.TrimSpace(contextID) == "" {
		return "", statesync.ErrInvalidInput
	}
	if _, err := statesync.ParseContextKind(string(kind)); err != nil {
		return "", err
	}
	header, err := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(map[string]any{
		"context_id": contextID,
		"kind":       string(kind),
		"exp":        now.Add(ttl).Unix(),
		"aud":        tokenAudience,
	})
	if err != nil {
		return "", err
	}
	signing := base64.RawURLEncoding.EncodeToString(header) + "." + base64.RawURLEncoding.EncodeToString(payload)
	return signing + "." + base64.RawURLEncoding.EncodeToString(sign(secret, signing)), nil
}

func sign(secret, signing string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signing))
	return mac.Sum(nil)
}

// authorizeContext checks the bearer token on r. A token bound to one context
// may not speak for another.
func authorizeContext(r *http.Request, secret string, now time.Time) (ContextClaims, *authError) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
			header = "Bearer " + token
		}
	}
	claims, err := parseBearer(header, secret, now)
	if err != nil {
		return ContextClaims{}, err
	}
	if id := contextParam(r); id != "" && id != claims.ContextID {
		return ContextClaims{}, &authError{
			status:  http.StatusForbidden,
			code:    "forbidden",
			message: "context mismatch",
		}
	}
	return claims, nil
}

func parseBearer(authHeader, secret string, now time.Time) (ContextClaims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return ContextClaims{}, &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return ContextClaims{}, unauthorized("invalid jwt format")
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return ContextClaims{}, unauthorized("invalid jwt header")
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return ContextClaims{}, unauthorized("invalid jwt header")
	}
	if header.Alg != "HS256" {
		return ContextClaims{}, unauthorized("unsupported jwt algorithm")
	}

	sigBytes, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return ContextClaims{}, unauthorized("invalid jwt signature")
	}
	if !hmac.Equal(sigBytes, sign(secret, parts[0]+"."+parts[1])) {
		return ContextClaims{}, unauthorized("jwt signature mismatch")
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return ContextClaims{}, unauthorized("invalid jwt payload")
	}
	var payload map[string]any
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return ContextClaims{}, unauthorized("invalid jwt payload")
	}

	contextID, ok := payload["context_id"].(string)
	if !ok || contextID == "" {
		return ContextClaims{}, unauthorized("missing context_id claim")
	}
	rawKind, _ := payload["kind"].(string)
	kind, kindErr := statesync.ParseContextKind(rawKind)
	if kindErr != nil {
		return ContextClaims{}, unauthorized("invalid kind claim")
	}
	exp, err := parseExp(payload["exp"])
	if err != nil {
		return ContextClaims{}, unauthorized("invalid exp claim")
	}
	if now.Unix() >= exp {
		return ContextClaims{}, unauthorized("token expired")
	}
	if aud, ok := payload["aud"].(string); !ok || aud != tokenAudience {
		return ContextClaims{}, unauthorized("invalid aud claim")
	}
	return ContextClaims{ContextID: contextID, Kind: kind, Exp: exp}, nil
}

func unauthorized(message string) *authError {
	return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: message}
}

func parseExp(v any) (int64, error) {
	switch typed := v.(type) {
	case float64:
		return int64(typed), nil
	case int64:
		return typed, nil
	case json.Number:
		return typed.Int64()
	default:
		return 0, errors.New("unsupported exp type")
	}
}
