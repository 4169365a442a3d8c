package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/example/meshgate/internal/errors"
)

// Identity is the resolved caller behind a bearer token.
type Identity struct {
	Subject string            `json:"subject"`
	Tenant  string            `json:"tenant,omitempty"`
	Roles   []string          `json:"roles,omitempty"`
	Claims  map[string]string `json:"claims,omitempty"`
}

// Validator resolves a bearer token into an identity. Implementations
// return ErrAuthFailed (wrapped or bare) for any token they reject.
type Validator interface {
	Validate(ctx context.Context, token string) (*Identity, error)
}

// RemoteValidator delegates validation to an external identity service.
// The service receives {"token": "..."} and answers with the identity
// document on 200, anything else is a rejection.
type RemoteValidator struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewRemoteValidator creates a validator calling the given endpoint.
func NewRemoteValidator(url string, timeout time.Duration, headers map[string]string) *RemoteValidator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RemoteValidator{
		url:     url,
		headers: headers,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    20,
				IdleConnTimeout: 90 * time.Second,
			},
		},
	}
}

func (v *RemoteValidator) Validate(ctx context.Context, token string) (*Identity, error) {
	body, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, val := range v.headers {
		req.Header.Set(k, val)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.ErrAuthFailed, fmt.Errorf("identity validator unreachable: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrap(errors.ErrAuthFailed, fmt.Errorf("identity validator returned status %d", resp.StatusCode))
	}

	var id Identity
	if err := json.NewDecoder(resp.Body).Decode(&id); err != nil {
		return nil, errors.Wrap(errors.ErrAuthFailed, err)
	}
	if id.Subject == "" {
		return nil, errors.ErrAuthFailed
	}
	return &id, nil
}

// JWTValidator validates HMAC-signed bearer tokens locally.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator creates a validator for HS256-signed tokens.
func NewJWTValidator(secret string) *JWTValidator {
	return &JWTValidator{secret: []byte(secret)}
}

func (v *JWTValidator) Validate(ctx context.Context, token string) (*Identity, error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return nil, errors.Wrap(errors.ErrAuthFailed, err)
	}
	if !parsed.Valid {
		return nil, errors.ErrAuthFailed
	}

	id := &Identity{Claims: make(map[string]string)}
	for k, val := range claims {
		s, ok := val.(string)
		if !ok {
			continue
		}
		switch k {
		case "sub":
			id.Subject = s
		case "tenant":
			id.Tenant = s
		default:
			id.Claims[k] = s
		}
	}
	if roles, ok := claims["roles"].([]interface{}); ok {
		for _, r := range roles {
			if s, ok := r.(string); ok {
				id.Roles = append(id.Roles, s)
			}
		}
	}
	if id.Subject == "" {
		return nil, errors.ErrAuthFailed
	}
	return id, nil
}

// CachingValidator wraps another validator with an expiring LRU so hot
// tokens skip the upstream round trip. Only successes are cached.
type CachingValidator struct {
	inner Validator
	cache *lru.LRU[string, *Identity]
}

// NewCachingValidator wraps inner with a cache of size entries, each
// living for ttl.
func NewCachingValidator(inner Validator, size int, ttl time.Duration) *CachingValidator {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachingValidator{
		inner: inner,
		cache: lru.NewLRU[string, *Identity](size, nil, ttl),
	}
}

func (v *CachingValidator) Validate(ctx context.Context, token string) (*Identity, error) {
	if id, ok := v.cache.Get(token); ok {
		return id, nil
	}
	id, err := v.inner.Validate(ctx, token)
	if err != nil {
		return nil, err
	}
	v.cache.Add(token, id)
	return id, nil
}

var (
	_ Validator = (*RemoteValidator)(nil)
	_ Validator = (*JWTValidator)(nil)
	_ Validator = (*CachingValidator)(nil)
)
