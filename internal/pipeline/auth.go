package pipeline

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/any-hub/modserve/internal/module"
)

// ErrDenied is returned by an Authenticator that refuses the request.
var ErrDenied = errors.New("access denied")

// Authenticator decides whether a request satisfies the tokens a handler
// requires and returns the caller identity.
type Authenticator interface {
	Authenticate(ctx context.Context, req *module.Request, required []string) (string, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, req *module.Request, required []string) (string, error)

// Authenticate calls f.
func (f AuthenticatorFunc) Authenticate(ctx context.Context, req *module.Request, required []string) (string, error) {
	return f(ctx, req, required)
}

// TokenAuthenticator 按名称匹配静态令牌：请求携带的 Bearer 令牌等于任一
// 要求名称对应的密钥即通过，身份为该名称。
type TokenAuthenticator struct {
	secrets map[string]string
}

// NewTokenAuthenticator copies tokens (name -> secret).
func NewTokenAuthenticator(tokens map[string]string) *TokenAuthenticator {
	secrets := make(map[string]string, len(tokens))
	for name, secret := range tokens {
		secrets[name] = secret
	}
	return &TokenAuthenticator{secrets: secrets}
}

// Authenticate implements Authenticator.
func (a *TokenAuthenticator) Authenticate(_ context.Context, req *module.Request, required []string) (string, error) {
	presented := bearerToken(req.Header.Get("Authorization"))
	if presented == "" {
		presented = strings.TrimSpace(req.Header.Get("X-Api-Token"))
	}
	if presented == "" {
		return "", ErrDenied
	}
	for _, name := range required {
		secret, ok := a.secrets[name]
		if ok && subtle.ConstantTimeCompare([]byte(secret), []byte(presented)) == 1 {
			return name, nil
		}
	}
	return "", ErrDenied
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
