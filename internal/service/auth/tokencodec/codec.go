package tokencodec

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/akostin/flowgate/internal/apperrors"
	"github.com/akostin/flowgate/internal/models"
)

// Token kinds carried in the kind claim
const (
	KindAccess  = "access"
	KindRefresh = "refresh"
)

const (
	defaultAccessTokenTTL  = 15 * time.Minute
	defaultRefreshTokenTTL = 7 * 24 * time.Hour
	defaultSigningMethod   = "HS256"
	defaultIssuer          = "flowgate"
	defaultAudience        = "flowgate"
)

// Claims carried by both token kinds. Kind separates access from refresh,
// SessionID ties an access token to the refresh record issued with it.
type Claims struct {
	jwt.RegisteredClaims
	Kind      string `json:"kind"`
	Role      string `json:"role,omitempty"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	SessionID string `json:"sid,omitempty"`
}

// Token codec with sensible defaults
type Config struct {
	// Secret keys, one per token kind
	// Both required to be set
	AccessSecret  string
	RefreshSecret string

	// JWT MAC (Message Authentication Code) algorithm
	// If not set than default is used
	Alg string

	// Issuer and audience stamped into and required from every token
	// If not set than default is used
	Issuer   string
	Audience string

	// Access and refresh token lifetimes
	// If not set than default is used
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

type Codec struct {
	accessKey  []byte
	refreshKey []byte

	// JWT MAC (Message Authentication Code) algorithm
	// The only method tokens are ever verified with
	alg jwt.SigningMethod

	issuer   string
	audience string

	accessTTL  time.Duration
	refreshTTL time.Duration

	// Swapped in tests to move the clock
	now func() time.Time
}

func New(cfg Config) (*Codec, error) {
	if cfg.AccessSecret == "" || cfg.RefreshSecret == "" {
		return nil, errors.New("access and refresh secret keys must not be empty")
	}

	if cfg.Alg == "" {
		cfg.Alg = defaultSigningMethod
	}
	alg := jwt.GetSigningMethod(cfg.Alg)
	if alg == nil {
		return nil, fmt.Errorf("unknown signing method: %q", cfg.Alg)
	}

	setDefaultString := func(field *string, def string) {
		if *field == "" {
			*field = def
		}
	}
	setDefaultString(&cfg.Issuer, defaultIssuer)
	setDefaultString(&cfg.Audience, defaultAudience)

	setDefaultDuration := func(field *time.Duration, def time.Duration) {
		if *field == 0 {
			*field = def
		}
	}
	setDefaultDuration(&cfg.AccessTTL, defaultAccessTokenTTL)
	setDefaultDuration(&cfg.RefreshTTL, defaultRefreshTokenTTL)

	return &Codec{
		accessKey:  []byte(cfg.AccessSecret),
		refreshKey: []byte(cfg.RefreshSecret),
		alg:        alg,
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		now:        time.Now,
	}, nil
}

// IssueAccess signs a short-lived assertion of the user's identity.
// sessionID names the refresh record issued alongside, it lands in the sid
// claim so revocation can find the session later.
func (c *Codec) IssueAccess(user models.User, sessionID string) (models.IssuedToken, error) {
	now := c.now().Truncate(time.Second)
	expiresAt := now.Add(c.accessTTL)

	token := jwt.NewWithClaims(
		c.alg,
		Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   user.Subject,
				ID:        uuid.NewString(),
				IssuedAt:  jwt.NewNumericDate(now),
				NotBefore: jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(expiresAt),
				Issuer:    c.issuer,
				Audience:  jwt.ClaimStrings{c.audience},
			},
			Kind:      KindAccess,
			Role:      user.Role,
			Name:      user.Name,
			Email:     user.Email,
			SessionID: sessionID,
		},
	)

	signed, err := token.SignedString(c.accessKey)
	if err != nil {
		return models.IssuedToken{}, fmt.Errorf("error while signing access token. Err: %w", err)
	}

	return models.IssuedToken{Value: signed, ExpiresAt: expiresAt}, nil
}

// IssueRefresh signs a rotation token. The returned id is the token's jti
// and the storage key of its record; 32 random bytes keep it unguessable.
func (c *Codec) IssueRefresh(user models.User) (models.IssuedToken, string, error) {
	now := c.now().Truncate(time.Second)
	expiresAt := now.Add(c.refreshTTL)

	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return models.IssuedToken{}, "", fmt.Errorf("error while generating token id. Err: %w", err)
	}
	tokenID := hex.EncodeToString(b)

	token := jwt.NewWithClaims(
		c.alg,
		Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   user.Subject,
				ID:        tokenID,
				IssuedAt:  jwt.NewNumericDate(now),
				NotBefore: jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(expiresAt),
				Issuer:    c.issuer,
				Audience:  jwt.ClaimStrings{c.audience},
			},
			Kind: KindRefresh,
		},
	)

	signed, err := token.SignedString(c.refreshKey)
	if err != nil {
		return models.IssuedToken{}, "", fmt.Errorf("error while signing refresh token. Err: %w", err)
	}

	return models.IssuedToken{Value: signed, ExpiresAt: expiresAt}, tokenID, nil
}

// Verify parses and validates the token as the expected kind.
// The kind claim is read before signature verification, but only to select
// the matching secret; it is compared against expectedKind again on the
// verified claims. Every failure maps to a sentinel error, never a panic.
func (c *Codec) Verify(tokenString string, expectedKind string) (Claims, error) {
	var claims Claims

	key, err := c.keyForToken(tokenString)
	if err != nil {
		return claims, err
	}

	_, err = jwt.ParseWithClaims(
		tokenString,
		&claims,
		func(t *jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{c.alg.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return c.now() }),
		jwt.WithIssuer(c.issuer),
		jwt.WithAudience(c.audience),
		jwt.WithExpirationRequired(),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return claims, fmt.Errorf("%w: %w", apperrors.ErrTokenExpired, err)
	default:
		return claims, fmt.Errorf("%w: %w", apperrors.ErrTokenInvalid, err)
	}

	if claims.Subject == "" || claims.ID == "" || claims.Kind == "" {
		return claims, fmt.Errorf("%w: required claim missing", apperrors.ErrTokenInvalid)
	}
	if claims.Kind != expectedKind {
		return claims, fmt.Errorf("%w: got %q, want %q", apperrors.ErrTokenWrongKind, claims.Kind, expectedKind)
	}

	return claims, nil
}

// keyForToken selects the signing key by the unverified kind claim. Nothing
// else from the token is trusted until the signature check passes.
func (c *Codec) keyForToken(tokenString string) ([]byte, error) {
	var unverified Claims

	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, &unverified); err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrTokenInvalid, err)
	}

	switch unverified.Kind {
	case KindAccess:
		return c.accessKey, nil
	case KindRefresh:
		return c.refreshKey, nil
	default:
		return nil, fmt.Errorf("%w: unknown token kind %q", apperrors.ErrTokenInvalid, unverified.Kind)
	}
}
