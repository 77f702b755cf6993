package licensing

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// TokenIssuer is the iss claim stamped on every minted token.
	TokenIssuer = "custmgr.aiprivatesearch.com"

	// TokenAudience is the aud claim stamped on every minted token.
	TokenAudience = "aiprivatesearch"

	// AccessTokenTTL is the lifetime of an access token.
	AccessTokenTTL = 24 * time.Hour

	// RefreshTokenTTL is the lifetime of a refresh token.
	RefreshTokenTTL = 30 * 24 * time.Hour

	// TokenVersion identifies the current claim family. Bump when the
	// claim shape changes incompatibly.
	TokenVersion = 2
)

// TokenKind distinguishes short-lived access tokens from long-lived
// refresh tokens.
type TokenKind string

const (
	TokenKindAccess  TokenKind = "access"
	TokenKindRefresh TokenKind = "refresh"
)

// Claims is the signed payload of a license token. Access and refresh
// tokens carry the same shape and differ only in TokenType and expiry.
type Claims struct {
	Email          string        `json:"email"`
	CustomerID     string        `json:"customer_id"`
	Tier           Tier          `json:"tier"`
	TierName       string        `json:"tier_name"`
	Status         LicenseStatus `json:"status"`
	HardwareHash   string        `json:"hw"`
	DeviceID       string        `json:"device_id"`
	Features       []string      `json:"features"`
	MaxDevices     int           `json:"max_devices"`
	CurrentDevices int           `json:"current_devices"`
	App            string        `json:"app"`
	AppVersion     string        `json:"ver,omitempty"`
	TokenVersion   int           `json:"token_version"`
	TokenType      TokenKind     `json:"token_type"`
	jwt.RegisteredClaims
}

// IsRefresh reports whether the claims belong to a refresh token.
func (c *Claims) IsRefresh() bool {
	return c.TokenType == TokenKindRefresh
}

// Codec mints and verifies license tokens. The private key signs, the
// public key verifies, so offline verification never needs the signing
// secret. Verification is pure and safe for concurrent use.
type Codec struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	now        func() time.Time
}

// NewCodec creates a codec from an Ed25519 key pair.
func NewCodec(privateKey ed25519.PrivateKey, publicKey ed25519.PublicKey) *Codec {
	return &Codec{
		privateKey: privateKey,
		publicKey:  publicKey,
		now:        time.Now,
	}
}

// SetClock overrides the codec clock. Tests only.
func (c *Codec) SetClock(now func() time.Time) {
	c.now = now
}

// PublicKey returns the verification key for offline validation by the
// licensed application.
func (c *Codec) PublicKey() ed25519.PublicKey {
	return c.publicKey
}

// MintInput carries the customer/device context for a token mint.
type MintInput struct {
	CustomerID     string
	Email          string
	Tier           Tier
	Status         LicenseStatus
	HardwareHash   string
	DeviceID       string
	CurrentDevices int
	AppVersion     string
}

// Mint signs a fresh license token of the given kind. The tier-derived
// feature list and device quota are embedded so the client needs no
// follow-up lookup, and a fresh jti is generated on every mint.
func (c *Codec) Mint(in MintInput, kind TokenKind) (string, error) {
	if len(c.privateKey) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("mint: signing key not configured")
	}

	ttl := AccessTokenTTL
	if kind == TokenKindRefresh {
		ttl = RefreshTokenTTL
	}

	now := c.now().UTC()
	claims := Claims{
		Email:          in.Email,
		CustomerID:     in.CustomerID,
		Tier:           in.Tier,
		TierName:       in.Tier.Name(),
		Status:         in.Status,
		HardwareHash:   in.HardwareHash,
		DeviceID:       in.DeviceID,
		Features:       in.Tier.Features(),
		MaxDevices:     in.Tier.MaxDevices(),
		CurrentDevices: in.CurrentDevices,
		App:            TokenAudience,
		AppVersion:     in.AppVersion,
		TokenVersion:   TokenVersion,
		TokenType:      kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    TokenIssuer,
			Subject:   in.CustomerID,
			Audience:  jwt.ClaimStrings{TokenAudience},
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(c.privateKey)
	if err != nil {
		return "", fmt.Errorf("mint: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and expiry of a token and returns its
// claims. Only EdDSA is accepted; tokens presenting any other algorithm
// fail with ErrTokenSignature regardless of their payload.
func (c *Codec) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (interface{}, error) {
			return c.publicKey, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(TokenIssuer),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
			return nil, fmt.Errorf("%w: %v", ErrTokenSignature, err)
		default:
			return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
		}
	}
	return claims, nil
}

// VerifyAllowExpired verifies the signature but tolerates an expired
// token. Used by revocation, where an expired token must still be
// accepted into the deny-list.
func (c *Codec) VerifyAllowExpired(token string) (*Claims, error) {
	claims, err := c.Verify(token)
	if err == nil {
		return claims, nil
	}
	if !errors.Is(err, ErrTokenExpired) {
		return nil, err
	}

	expired := &Claims{}
	_, parseErr := jwt.ParseWithClaims(token, expired,
		func(t *jwt.Token) (interface{}, error) {
			return c.publicKey, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(TokenIssuer),
		jwt.WithTimeFunc(c.now),
		jwt.WithoutClaimsValidation(),
	)
	if parseErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, parseErr)
	}
	return expired, nil
}

// HashToken returns the sha256 hex digest of a token. The revocation
// ledger stores this digest, never the token itself.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// HashHardwareID derives the stored hardware hash from a raw hardware
// fingerprint and a deployment-wide salt. The raw fingerprint is never
// persisted.
func HashHardwareID(salt, hardwareID string) string {
	sum := sha256.Sum256([]byte(salt + hardwareID))
	return hex.EncodeToString(sum[:])
}
