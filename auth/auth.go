// Package auth verifies bearer credentials issued by the external identity
// authority. The server never issues or stores credentials itself.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/marcus-crane/lightshow/utils"
)

var ErrAuthFailure = errors.New("credential rejected")

type Identity struct {
	Subject string `json:"sub"`
	Name    string `json:"name"`
	Role    string `json:"role"`
}

type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// BearerToken extracts a token from an Authorization header or, for
// browser-originated connections that cannot set headers, a token query param.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// JWTVerifier checks HS256 tokens signed by the connect-code service with a
// shared secret.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrAuthFailure, err)
	}
	if token == "" {
		return Identity{}, fmt.Errorf("%w: missing token", ErrAuthFailure)
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrAuthFailure, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, fmt.Errorf("%w: unexpected claims", ErrAuthFailure)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrAuthFailure)
	}
	id := Identity{Subject: sub}
	if name, ok := claims["name"].(string); ok {
		id.Name = name
	}
	if role, ok := claims["role"].(string); ok {
		id.Role = role
	}
	return id, nil
}

// RemoteVerifier asks the identity authority over HTTP. A 2xx response with
// an identity body accepts the token; anything else rejects it.
type RemoteVerifier struct {
	URL        string
	HTTPClient *http.Client
}

func NewRemoteVerifier(url string, timeout time.Duration) *RemoteVerifier {
	return &RemoteVerifier{
		URL:        url,
		HTTPClient: utils.NewHTTPClient(timeout),
	}
}

func (v *RemoteVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, fmt.Errorf("%w: missing token", ErrAuthFailure)
	}
	body, _ := json.Marshal(map[string]string{"token": token})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.URL, bytes.NewReader(body))
	if err != nil {
		return Identity{}, err
	}
	req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", token))
	req.Header.Add("Content-Type", "application/json")

	resp, err := v.HTTPClient.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: identity authority unreachable: %v", ErrAuthFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return Identity{}, fmt.Errorf("%w: identity authority returned %s", ErrAuthFailure, resp.Status)
	}
	var id Identity
	if err := json.NewDecoder(resp.Body).Decode(&id); err != nil {
		return Identity{}, fmt.Errorf("%w: malformed identity: %v", ErrAuthFailure, err)
	}
	if id.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrAuthFailure)
	}
	return id, nil
}

// Bounded wraps a verifier so every call is cut off after timeout.
func Bounded(v Verifier, timeout time.Duration) Verifier {
	return boundedVerifier{v: v, timeout: timeout}
}

type boundedVerifier struct {
	v       Verifier
	timeout time.Duration
}

func (b boundedVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.v.Verify(ctx, token)
}
