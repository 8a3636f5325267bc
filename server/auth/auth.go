// Package auth issues and validates the bearer tokens used by both the HTTP
// and the websocket transports. Tokens are stateless JWTs: logout is a
// client-side discard, the server keeps no session table.
package auth

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lattice-db/lattice/server/action"
	t "github.com/lattice-db/lattice/server/store/types"
)

// AuthErr satisfies error interface but allows constant values for direct
// comparison.
type AuthErr string

func (a AuthErr) Error() string {
	return string(a)
}

const (
	// ErrTokenInvalid means the token failed signature or claim validation.
	ErrTokenInvalid = AuthErr("invalid token")
	// ErrNotRefreshToken means a session token was presented where a
	// refresh token is required.
	ErrNotRefreshToken = AuthErr("not a refresh token")
)

// Claims carried by every issued token.
type Claims struct {
	UserID   int64  `json:"uid"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Admin    bool   `json:"admin,omitempty"`
	// Refresh marks refresh tokens; they are accepted by Refresh only,
	// never as a session credential.
	Refresh bool `json:"refresh,omitempty"`
	jwt.RegisteredClaims
}

// Config is the "auth" section of the server config file.
type Config struct {
	// Secret used for HMAC signing. Required.
	Secret string `json:"secret"`
	// TokenTTL is the session token lifetime in seconds. Default 600.
	TokenTTL int `json:"token_ttl"`
	// RefreshTTL is the refresh token lifetime in seconds. Default 86400.
	RefreshTTL int `json:"refresh_ttl"`
}

// Handler implements token issue, refresh and validation.
type Handler struct {
	secret     []byte
	tokenTTL   time.Duration
	refreshTTL time.Duration
}

// NewHandler parses the config section and returns a ready handler.
func NewHandler(jsonconf json.RawMessage) (*Handler, error) {
	var config Config
	if err := json.Unmarshal(jsonconf, &config); err != nil {
		return nil, errors.New("auth: failed to parse config: " + err.Error())
	}
	if config.Secret == "" {
		return nil, errors.New("auth: missing secret")
	}
	if config.TokenTTL <= 0 {
		config.TokenTTL = 600
	}
	if config.RefreshTTL <= 0 {
		config.RefreshTTL = 86400
	}
	return &Handler{
		secret:     []byte(config.Secret),
		tokenTTL:   time.Duration(config.TokenTTL) * time.Second,
		refreshTTL: time.Duration(config.RefreshTTL) * time.Second,
	}, nil
}

// Issue mints a session token and a refresh token for the user.
func (h *Handler) Issue(user t.User) (action.TokenPair, error) {
	now := time.Now()
	expires := now.Add(h.tokenTTL)

	token, err := h.sign(user, false, now, expires)
	if err != nil {
		return action.TokenPair{}, err
	}
	refresh, err := h.sign(user, true, now, now.Add(h.refreshTTL))
	if err != nil {
		return action.TokenPair{}, err
	}
	return action.TokenPair{Token: token, RefreshToken: refresh, Expires: expires}, nil
}

// Refresh validates a refresh token and mints a fresh pair with the same
// identity claims.
func (h *Handler) Refresh(refreshToken string) (action.TokenPair, error) {
	claims, err := h.parse(refreshToken)
	if err != nil {
		return action.TokenPair{}, err
	}
	if !claims.Refresh {
		return action.TokenPair{}, ErrNotRefreshToken
	}
	return h.Issue(t.User{
		ID:       claims.UserID,
		Username: claims.Username,
		Email:    claims.Email,
		Admin:    claims.Admin,
	})
}

// Decode validates a session token and returns the principal it carries.
// Refresh tokens are rejected.
func (h *Handler) Decode(token string) (*action.Principal, error) {
	claims, err := h.parse(token)
	if err != nil {
		return nil, err
	}
	if claims.Refresh {
		return nil, ErrTokenInvalid
	}
	return &action.Principal{
		ID:       claims.UserID,
		Username: claims.Username,
		Email:    claims.Email,
		Admin:    claims.Admin,
	}, nil
}

func (h *Handler) sign(user t.User, refresh bool, now, expires time.Time) (string, error) {
	claims := Claims{
		UserID:   user.ID,
		Username: user.Username,
		Email:    user.Email,
		Admin:    user.Admin,
		Refresh:  refresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(h.secret)
}

func (h *Handler) parse(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{},
		func(tk *jwt.Token) (any, error) {
			if _, ok := tk.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, ErrTokenInvalid
			}
			return h.secret, nil
		})
	if err != nil || !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// ParseBearer extracts the token from an Authorization header value.
func ParseBearer(header string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
