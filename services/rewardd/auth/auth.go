package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"lprewards/rewards"
)

type contextKey string

const (
	contextKeySubject contextKey = "subject"
	contextKeyRole    contextKey = "role"
)

// Role represents an authorized persona within the reward service.
type Role string

// Supported roles. Providers register positions and claim their own lots;
// operators drive grants; admins manage configuration and the registry.
const (
	RoleProvider Role = "provider"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

var allowedRoles = map[Role]struct{}{
	RoleProvider: {},
	RoleOperator: {},
	RoleAdmin:    {},
}

// Claims carries the identity attached to an authenticated request.
type Claims struct {
	Subject string
	Role    Role
}

// Options configures JWT verification.
type Options struct {
	Issuer         string
	Audience       []string
	SecretEnv      string
	MaxSkewSeconds int
}

// Verifier validates inbound bearer tokens.
type Verifier struct {
	issuer   string
	audience []string
	secret   []byte
	leeway   time.Duration
	now      func() time.Time
}

// NewVerifier constructs a verifier. The HS256 secret is read once from the
// configured environment variable.
func NewVerifier(opts Options) (*Verifier, error) {
	issuer := strings.TrimSpace(opts.Issuer)
	if issuer == "" {
		return nil, errors.New("JWT issuer is required")
	}
	audiences := make([]string, 0, len(opts.Audience))
	for _, aud := range opts.Audience {
		if trimmed := strings.TrimSpace(aud); trimmed != "" {
			audiences = append(audiences, trimmed)
		}
	}
	if len(audiences) == 0 {
		return nil, errors.New("at least one JWT audience is required")
	}
	secretEnv := strings.TrimSpace(opts.SecretEnv)
	if secretEnv == "" {
		return nil, errors.New("JWT secret env is required")
	}
	secret := strings.TrimSpace(os.Getenv(secretEnv))
	if secret == "" {
		return nil, fmt.Errorf("environment variable %s is empty", secretEnv)
	}
	leeway := time.Duration(opts.MaxSkewSeconds) * time.Second
	if opts.MaxSkewSeconds <= 0 {
		leeway = 30 * time.Second
	}
	return &Verifier{
		issuer:   issuer,
		audience: audiences,
		secret:   []byte(secret),
		leeway:   leeway,
		now:      time.Now,
	}, nil
}

// SetClock overrides the time source for deterministic tests.
func (v *Verifier) SetClock(now func() time.Time) {
	if v != nil && now != nil {
		v.now = now
	}
}

// Verify validates the supplied token and extracts claims.
func (v *Verifier) Verify(token string) (*Claims, error) {
	if v == nil {
		return nil, errors.New("verifier not configured")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(func() time.Time { return v.now() }),
	}
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("token validation failed")
	}

	subject := ""
	if sub, ok := claims["sub"].(string); ok {
		subject = strings.TrimSpace(sub)
	}
	if subject == "" {
		return nil, errors.New("token subject missing")
	}

	if !v.audienceMatches(claims["aud"]) {
		return nil, errors.New("token audience mismatch")
	}

	roleRaw, _ := claims["role"].(string)
	role := Role(strings.ToLower(strings.TrimSpace(roleRaw)))
	if _, ok := allowedRoles[role]; !ok {
		return nil, fmt.Errorf("role %q is not permitted", roleRaw)
	}
	return &Claims{Subject: subject, Role: role}, nil
}

func (v *Verifier) audienceMatches(raw interface{}) bool {
	var actual []string
	switch aud := raw.(type) {
	case string:
		actual = []string{aud}
	case []string:
		actual = aud
	case []interface{}:
		for _, entry := range aud {
			if s, ok := entry.(string); ok {
				actual = append(actual, s)
			}
		}
	}
	for _, expected := range v.audience {
		for _, got := range actual {
			if strings.EqualFold(strings.TrimSpace(got), expected) {
				return true
			}
		}
	}
	return false
}

// Middleware enforces bearer authentication before invoking next.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := strings.TrimSpace(r.Header.Get("Authorization"))
		if authz == "" {
			http.Error(w, "missing authorization", http.StatusUnauthorized)
			return
		}
		parts := strings.SplitN(authz, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			http.Error(w, "invalid authorization scheme", http.StatusUnauthorized)
			return
		}
		claims, err := v.Verify(strings.TrimSpace(parts[1]))
		if err != nil {
			http.Error(w, "invalid authorization token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), contextKeySubject, claims.Subject)
		ctx = context.WithValue(ctx, contextKeyRole, string(claims.Role))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// WithClaims attaches an identity to the context the way Middleware does.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	if claims == nil {
		return ctx
	}
	ctx = context.WithValue(ctx, contextKeySubject, claims.Subject)
	return context.WithValue(ctx, contextKeyRole, string(claims.Role))
}

// FromContext extracts the Claims attached by Middleware.
func FromContext(ctx context.Context) (*Claims, error) {
	if ctx == nil {
		return nil, errors.New("missing context")
	}
	subject, ok := ctx.Value(contextKeySubject).(string)
	if !ok || subject == "" {
		return nil, errors.New("missing subject in context")
	}
	roleStr, ok := ctx.Value(contextKeyRole).(string)
	if !ok || roleStr == "" {
		return nil, errors.New("missing role in context")
	}
	return &Claims{Subject: subject, Role: Role(roleStr)}, nil
}

// RequireRole ensures the authenticated user has one of the allowed roles.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	allowed := make(map[Role]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := FromContext(r.Context())
			if err != nil {
				http.Error(w, "missing identity", http.StatusUnauthorized)
				return
			}
			if _, ok := allowed[claims.Role]; !ok {
				http.Error(w, "insufficient role", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// StaticAuthorizer resolves custodian roles from configured subject lists.
// It implements rewards.Authorizer.
type StaticAuthorizer struct {
	operators map[string]struct{}
	admins    map[string]struct{}
}

// NewStaticAuthorizer builds the authorizer from config.
func NewStaticAuthorizer(operators, admins []string) *StaticAuthorizer {
	a := &StaticAuthorizer{
		operators: make(map[string]struct{}, len(operators)),
		admins:    make(map[string]struct{}, len(admins)),
	}
	for _, subject := range operators {
		if trimmed := strings.TrimSpace(subject); trimmed != "" {
			a.operators[trimmed] = struct{}{}
		}
	}
	for _, subject := range admins {
		if trimmed := strings.TrimSpace(subject); trimmed != "" {
			a.admins[trimmed] = struct{}{}
		}
	}
	return a
}

// HasRole implements rewards.Authorizer. Admins implicitly hold the operator
// role.
func (a *StaticAuthorizer) HasRole(role, caller string) bool {
	if a == nil {
		return false
	}
	caller = strings.TrimSpace(caller)
	switch role {
	case rewards.RoleOperator:
		if _, ok := a.operators[caller]; ok {
			return true
		}
		_, ok := a.admins[caller]
		return ok
	case rewards.RoleAdmin:
		_, ok := a.admins[caller]
		return ok
	default:
		return false
	}
}
