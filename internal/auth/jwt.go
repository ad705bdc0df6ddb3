package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidOrExpired is returned for any token that fails verification:
// bad signature, unexpected algorithm, wrong issuer or past expiry.
var ErrInvalidOrExpired = errors.New("invalid or expired token")

// TokenKind separates dashboard user sessions from provisioned devices.
type TokenKind string

const (
	KindUser   TokenKind = "user"
	KindDevice TokenKind = "device"
)

// UserClaims identify a dashboard user.
type UserClaims struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Claims represents JWT payload for both token kinds.
type Claims struct {
	Kind     TokenKind `json:"kind"`
	ID       string    `json:"id,omitempty"`
	Email    string    `json:"email,omitempty"`
	Role     string    `json:"role,omitempty"`
	DeviceID string    `json:"deviceId,omitempty"`
	jwt.RegisteredClaims
}

// User returns the user part of the claims.
func (c Claims) User() UserClaims {
	return UserClaims{ID: c.ID, Email: c.Email, Role: c.Role}
}

// Issuer signs and verifies tokens with a single HMAC key. Verification is
// stateless; there is no revocation list.
type Issuer struct {
	Key       []byte
	Issuer    string
	UserTTL   time.Duration
	DeviceTTL time.Duration

	now func() time.Time
}

// NewIssuer creates an issuer.
func NewIssuer(key, issuer string, userTTL, deviceTTL time.Duration) *Issuer {
	return &Issuer{Key: []byte(key), Issuer: issuer, UserTTL: userTTL, DeviceTTL: deviceTTL, now: time.Now}
}

// IssueUserToken signs a session token for a dashboard user.
func (i *Issuer) IssueUserToken(u UserClaims) (string, time.Time, error) {
	claims := Claims{Kind: KindUser, ID: u.ID, Email: u.Email, Role: u.Role}
	return i.sign(claims, u.ID, i.UserTTL)
}

// IssueDeviceToken signs a long-lived token whose only identity is the device id.
// Every call mints a new token; earlier ones stay valid until they expire.
func (i *Issuer) IssueDeviceToken(deviceID string) (string, time.Time, error) {
	if deviceID == "" {
		return "", time.Time{}, errors.New("device id required")
	}
	claims := Claims{Kind: KindDevice, DeviceID: deviceID}
	return i.sign(claims, deviceID, i.DeviceTTL)
}

func (i *Issuer) sign(claims Claims, subject string, ttl time.Duration) (string, time.Time, error) {
	now := i.clock()
	exp := now.Add(ttl)
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    i.Issuer,
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(exp),
		IssuedAt:  jwt.NewNumericDate(now),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.Key)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, exp, nil
}

// Verify validates a token and returns its claims.
func (i *Issuer) Verify(tokenStr string) (Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.clock),
	}
	if i.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(i.Issuer))
	}
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return i.Key, nil
	}, opts...)
	if err != nil {
		return Claims{}, ErrInvalidOrExpired
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Claims{}, ErrInvalidOrExpired
	}
	// tokens minted before the kind claim existed carried only deviceId
	if claims.Kind == "" && claims.DeviceID != "" {
		claims.Kind = KindDevice
	}
	return *claims, nil
}

func (i *Issuer) clock() time.Time {
	if i.now == nil {
		return time.Now()
	}
	return i.now()
}
