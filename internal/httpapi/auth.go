package httpapi

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

const tokenAudience = "hostgate"

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

func unauthorized(message string) *authError {
	return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: message}
}

func forbidden(message string) *authError {
	return &authError{status: http.StatusForbidden, code: "forbidden", message: message}
}

type tokenClaims struct {
	Subject string
	Scopes  map[string]struct{}
	Exp     int64
}

func (c tokenClaims) grants(scope string) bool {
	if scope == "" {
		return true
	}
	_, ok := c.Scopes[scope]
	return ok
}

// wireClaims is the JWT payload as callers mint it. Scopes may be a JSON
// array or a space separated string.
type wireClaims struct {
	Sub    string          `json:"sub"`
	Aud    string          `json:"aud"`
	Exp    json.Number     `json:"exp"`
	Scopes json.RawMessage `json:"scopes"`
}

// authorizeBearer verifies an HS256 token minted for hostgate and checks it
// grants requiredScope.
func authorizeBearer(authHeader, jwtSecret, requiredScope string, now time.Time) (tokenClaims, *authError) {
	token, found := strings.CutPrefix(authHeader, "Bearer ")
	if !found {
		return tokenClaims{}, unauthorized("missing or invalid bearer token")
	}
	claims, authErr := verifyHS256(strings.TrimSpace(token), jwtSecret, now)
	if authErr != nil {
		return tokenClaims{}, authErr
	}
	if !claims.grants(requiredScope) {
		return tokenClaims{}, forbidden("missing required scope: " + requiredScope)
	}
	return claims, nil
}

func verifyHS256(token, secret string, now time.Time) (tokenClaims, *authError) {
	segments := strings.Split(token, ".")
	if len(segments) != 3 {
		return tokenClaims{}, unauthorized("invalid jwt format")
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := decodeSegment(segments[0], &header); err != nil {
		return tokenClaims{}, unauthorized("invalid jwt header")
	}
	if header.Alg != "HS256" {
		return tokenClaims{}, unauthorized("unsupported jwt algorithm")
	}

	signature, err := base64.RawURLEncoding.DecodeString(segments[2])
	if err != nil {
		return tokenClaims{}, unauthorized("invalid jwt signature")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(segments[0]))
	mac.Write([]byte{'.'})
	mac.Write([]byte(segments[1]))
	if !hmac.Equal(signature, mac.Sum(nil)) {
		return tokenClaims{}, unauthorized("jwt signature mismatch")
	}

	var wire wireClaims
	if err := decodeSegment(segments[1], &wire); err != nil {
		return tokenClaims{}, unauthorized("invalid jwt payload")
	}
	if strings.TrimSpace(wire.Sub) == "" {
		return tokenClaims{}, unauthorized("missing sub claim")
	}
	exp, err := wire.Exp.Int64()
	if err != nil {
		// Some issuers emit exp as a float.
		f, ferr := wire.Exp.Float64()
		if ferr != nil {
			return tokenClaims{}, unauthorized("invalid exp claim")
		}
		exp = int64(f)
	}
	if now.Unix() >= exp {
		return tokenClaims{}, unauthorized("token expired")
	}
	if wire.Aud != tokenAudience {
		return tokenClaims{}, unauthorized("invalid aud claim")
	}
	scopes := scopeSet(wire.Scopes)
	if len(scopes) == 0 {
		return tokenClaims{}, forbidden("no scopes granted")
	}
	return tokenClaims{Subject: wire.Sub, Scopes: scopes, Exp: exp}, nil
}

func decodeSegment(segment string, into any) error {
	raw, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(into)
}

func scopeSet(raw json.RawMessage) map[string]struct{} {
	out := map[string]struct{}{}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		for _, scope := range list {
			if scope = strings.TrimSpace(scope); scope != "" {
				out[scope] = struct{}{}
			}
		}
		return out
	}
	var joined string
	if err := json.Unmarshal(raw, &joined); err == nil {
		for _, scope := range strings.Fields(joined) {
			out[scope] = struct{}{}
		}
	}
	return out
}
