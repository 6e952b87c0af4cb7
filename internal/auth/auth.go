package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"golang.org/x/xerrors"
)

const TokenTTL = time.Hour * 24 * 30

type Claims struct {
	Uid string `json:"uid"`
	jwt.RegisteredClaims
}

type ctxKey struct{}

type Authenticator struct {
	secret         []byte
	allowAnonymous bool
}

func New(secret string, allowAnonymous bool) *Authenticator {
	return &Authenticator{
		secret:         []byte(secret),
		allowAnonymous: allowAnonymous,
	}
}

// uid -> token, err
func (a *Authenticator) Sign(uid string) (string, error) {
	if len(a.secret) == 0 {
		return "", xerrors.New("no signing secret configured")
	}
	claim := Claims{
		Uid: uid,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(TokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claim)
	return token.SignedString(a.secret)
}

// token -> uid, ok
func (a *Authenticator) Parse(token string) (string, bool) {
	if len(a.secret) == 0 {
		return "", false
	}
	parsedToken, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, xerrors.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", false
	}

	if claim, ok := parsedToken.Claims.(*Claims); ok && parsedToken.Valid && claim.Uid != "" {
		return claim.Uid, true
	}

	return "", false
}

func extractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		extractedToken := strings.Split(h, "Bearer ")
		if len(extractedToken) == 2 {
			return extractedToken[1]
		}
		return ""
	}
	// browsers cannot set headers on a websocket handshake
	return r.URL.Query().Get("token")
}

// Middleware resolves the caller's uid and stores it on the request context.
// Without a token the caller gets an anonymous uid when allowed.
func (a *Authenticator) Middleware(next func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)

		var uid string
		switch {
		case token != "":
			var ok bool
			if uid, ok = a.Parse(token); !ok {
				http.Error(w, "Invalid token", http.StatusForbidden)
				return
			}
		case a.allowAnonymous:
			uid = "anon-" + uuid.NewString()
		default:
			http.Error(w, "Invalid token", http.StatusForbidden)
			return
		}

		next(w, r.WithContext(WithUID(r.Context(), uid)))
	}
}

func WithUID(ctx context.Context, uid string) context.Context {
	return context.WithValue(ctx, ctxKey{}, uid)
}

func UID(ctx context.Context) (string, bool) {
	uid, ok := ctx.Value(ctxKey{}).(string)
	return uid, ok
}
