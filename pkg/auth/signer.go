package auth

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// DefaultAccessTTL is the lifetime of an access token
	DefaultAccessTTL = 1800 * time.Second
	// DefaultRefreshTTL is the lifetime of a refresh token
	DefaultRefreshTTL = 86400 * time.Second
	// DefaultIssuer is written to the iss claim
	DefaultIssuer = "spoke-iam"
)

// TokenType distinguishes the two token classes
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims is the signed claim set of both token classes
type Claims struct {
	Username string    `json:"username"`
	Roles    []string  `json:"roles,omitempty"`
	Type     TokenType `json:"typ"`
	jwt.RegisteredClaims
}

// PrincipalID returns the principal id stored in the subject claim
func (c *Claims) PrincipalID() (int64, error) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: subject is not a principal id", ErrTokenMalformed)
	}
	return id, nil
}

// SignerConfig holds signing material and lifetimes. It is loaded once at
// startup and passed explicitly; there is no package-level signer.
type SignerConfig struct {
	AccessSecret  []byte
	RefreshSecret []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string
}

// Validate checks that both secrets are present and distinct
func (c SignerConfig) Validate() error {
	if len(c.AccessSecret) == 0 {
		return fmt.Errorf("%w: access token secret is empty", ErrConfigurationMissing)
	}
	if len(c.RefreshSecret) == 0 {
		return fmt.Errorf("%w: refresh token secret is empty", ErrConfigurationMissing)
	}
	if bytes.Equal(c.AccessSecret, c.RefreshSecret) {
		return fmt.Errorf("%w: access and refresh secrets must differ", ErrConfigurationMissing)
	}
	return nil
}

// IssuedToken is a freshly signed token
type IssuedToken struct {
	Value     string
	ExpiresIn time.Duration
	ExpiresAt time.Time
}

// Signer issues and verifies HS256 tokens
type Signer struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	issuer        string
	now           func() time.Time
}

// SignerOption configures a Signer
type SignerOption func(*Signer)

// WithClock overrides the time source used for iat/exp and validation
func WithClock(now func() time.Time) SignerOption {
	return func(s *Signer) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSigner creates a signer from config
func NewSigner(cfg SignerConfig, opts ...SignerOption) (*Signer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Signer{
		accessSecret:  append([]byte(nil), cfg.AccessSecret...),
		refreshSecret: append([]byte(nil), cfg.RefreshSecret...),
		accessTTL:     cfg.AccessTTL,
		refreshTTL:    cfg.RefreshTTL,
		issuer:        cfg.Issuer,
		now:           func() time.Time { return time.Now().UTC() },
	}
	if s.accessTTL <= 0 {
		s.accessTTL = DefaultAccessTTL
	}
	if s.refreshTTL <= 0 {
		s.refreshTTL = DefaultRefreshTTL
	}
	if s.issuer == "" {
		s.issuer = DefaultIssuer
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// AccessTTL returns the configured access token lifetime
func (s *Signer) AccessTTL() time.Duration { return s.accessTTL }

// RefreshTTL returns the configured refresh token lifetime
func (s *Signer) RefreshTTL() time.Duration { return s.refreshTTL }

// IssueAccess signs an access token carrying the role names held at issuance
func (s *Signer) IssueAccess(principalID int64, username string, roles []string) (IssuedToken, error) {
	snapshot := make([]string, len(roles))
	copy(snapshot, roles)
	return s.issue(principalID, username, snapshot, TokenTypeAccess, s.accessSecret, s.accessTTL)
}

// IssueRefresh signs a refresh token. Refresh tokens never carry roles.
func (s *Signer) IssueRefresh(principalID int64, username string) (IssuedToken, error) {
	return s.issue(principalID, username, nil, TokenTypeRefresh, s.refreshSecret, s.refreshTTL)
}

func (s *Signer) issue(principalID int64, username string, roles []string, typ TokenType, secret []byte, ttl time.Duration) (IssuedToken, error) {
	now := s.now()
	exp := now.Add(ttl)
	claims := Claims{
		Username: username,
		Roles:    roles,
		Type:     typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   strconv.FormatInt(principalID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return IssuedToken{}, fmt.Errorf("failed to sign %s token: %w", typ, err)
	}

	return IssuedToken{
		Value:     signed,
		ExpiresIn: ttl,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// VerifyAccess verifies a token with the access secret and requires typ=access
func (s *Signer) VerifyAccess(token string) (*Claims, error) {
	return s.verifyType(token, s.accessSecret, TokenTypeAccess)
}

// VerifyRefresh verifies a token with the refresh secret and requires typ=refresh
func (s *Signer) VerifyRefresh(token string) (*Claims, error) {
	return s.verifyType(token, s.refreshSecret, TokenTypeRefresh)
}

func (s *Signer) verifyType(token string, secret []byte, want TokenType) (*Claims, error) {
	claims, err := s.Verify(token, secret)
	if err != nil {
		return nil, err
	}
	if claims.Type != want {
		return nil, fmt.Errorf("%w: expected %s token, got %q", ErrTokenMalformed, want, claims.Type)
	}
	return claims, nil
}

// Verify checks signature, expiry and not-before of token against secret.
// The returned error always wraps ErrTokenExpired, ErrTokenBadSignature or
// ErrTokenMalformed.
func (s *Signer) Verify(token string, secret []byte) (*Claims, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrTokenMalformed)
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(s.issuer),
	)
	if err != nil {
		return nil, classifyJWTError(err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("%w: token not valid", ErrTokenMalformed)
	}
	if _, err := claims.PrincipalID(); err != nil {
		return nil, err
	}
	return claims, nil
}

// classifyJWTError folds the jwt library errors into the three verification
// failures. Expiry is checked first because an expired token with a valid
// signature must be reported as expired.
func classifyJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrTokenExpired, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable),
		errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return fmt.Errorf("%w: %v", ErrTokenBadSignature, err)
	default:
		// malformed segments, bad json, missing exp, nbf in the future
		return fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
}
