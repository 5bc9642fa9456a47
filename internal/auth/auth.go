package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"google.golang.org/grpc/metadata"
)

// KeyPrefix starts every Langford API key.
const KeyPrefix = "lfk_"

var (
	ErrMissingAPIKey   = errors.New("missing authorization header")
	ErrInvalidAPIKey   = errors.New("invalid API key")
	ErrAuthUnavailable = errors.New("authentication backend unavailable")
)

// Principal is the authenticated caller of the chat transports.
type Principal struct {
	ClientID string
	Name     string
}

// Authenticator validates an API key taken from a transport.
type Authenticator interface {
	Authenticate(ctx context.Context, apiKey string) (*Principal, error)
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal stored by the transport, or nil.
func FromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}

// KeyFromMetadata extracts "Bearer lfk_..." from gRPC metadata.
func KeyFromMetadata(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", ErrMissingAPIKey
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return "", ErrMissingAPIKey
	}
	return parseBearer(values[0])
}

// KeyFromRequest extracts "Bearer lfk_..." from an HTTP request.
func KeyFromRequest(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", ErrMissingAPIKey
	}
	return parseBearer(h)
}

func parseBearer(value string) (string, error) {
	token := value
	// RFC 6750: the "Bearer" scheme is case-insensitive.
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = token[7:]
	}
	token = strings.TrimSpace(token)
	if !ValidFormat(token) {
		return "", ErrInvalidAPIKey
	}
	return token, nil
}

// ValidFormat reports whether key looks like a Langford API key.
func ValidFormat(key string) bool {
	return len(key) >= 8 && strings.HasPrefix(key, KeyPrefix)
}

// StaticAuthenticator checks keys against a fixed set. With no keys
// configured it accepts any well-formed key, which is only meant for
// local development.
type StaticAuthenticator struct {
	keys map[string]*Principal
}

func NewStaticAuthenticator(keys map[string]string) *StaticAuthenticator {
	a := &StaticAuthenticator{keys: make(map[string]*Principal, len(keys))}
	for key, name := range keys {
		a.keys[key] = &Principal{ClientID: key[:min(8, len(key))], Name: name}
	}
	return a
}

func (a *StaticAuthenticator) Authenticate(_ context.Context, apiKey string) (*Principal, error) {
	if !ValidFormat(apiKey) {
		return nil, ErrInvalidAPIKey
	}
	if len(a.keys) == 0 {
		return &Principal{ClientID: apiKey[:8], Name: "development"}, nil
	}
	p, ok := a.keys[apiKey]
	if !ok {
		return nil, ErrInvalidAPIKey
	}
	return p, nil
}

// ParseKeyList parses "name:lfk_key,name2:lfk_key2" into a key map.
func ParseKeyList(s string) map[string]string {
	out := make(map[string]string)
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, key, ok := strings.Cut(item, ":")
		if !ok {
			key, name = name, ""
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(name)
	}
	return out
}
