// Package auth verifies bearer tokens and extracts the caller's role and vehicle.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token has expired")
)

// Claims carried by dispatch tokens. Subject is the driver or user id.
type Claims struct {
	jwt.RegisteredClaims
	Role      string `json:"role"`
	VehicleID string `json:"vid,omitempty"`
}

type Principal struct {
	Subject   string
	Role      string
	VehicleID string
}

// Verifier validates tokens. Modes: dev (token is "role[:vehicle]", no
// signature) and hmac (HS256 JWT).
type Verifier struct {
	Mode   string `yaml:"mode"`
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

func NewVerifier(mode, secret, issuer string) *Verifier {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		mode = "dev"
	}
	return &Verifier{Mode: mode, Secret: secret, Issuer: issuer}
}

func (v *Verifier) Verify(token string) (Principal, error) {
	switch v.Mode {
	case "dev":
		role, vehicle, _ := strings.Cut(token, ":")
		if role == "" {
			return Principal{}, fmt.Errorf("%w: expected role[:vehicle]", ErrInvalidToken)
		}
		return Principal{Subject: vehicle, Role: strings.ToLower(role), VehicleID: vehicle}, nil
	case "hmac":
		return v.verifyHMAC(token)
	default:
		return Principal{}, fmt.Errorf("unsupported auth mode %q", v.Mode)
	}
}

func (v *Verifier) verifyHMAC(token string) (Principal, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired()}
	if v.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.Issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return []byte(v.Secret), nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, ErrTokenExpired
		}
		return Principal{}, fmt.Errorf("%w: %s", ErrInvalidToken, err.Error())
	}
	c, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || c.Role == "" {
		return Principal{}, ErrInvalidToken
	}
	return Principal{Subject: c.Subject, Role: strings.ToLower(c.Role), VehicleID: c.VehicleID}, nil
}

// Issue signs an HS256 token. Used by the demo driver client and tests.
func (v *Verifier) Issue(subject, role, vehicleID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.Issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role:      role,
		VehicleID: vehicleID,
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(v.Secret))
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return s, nil
}
