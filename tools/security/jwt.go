package security

import (
	"strings"
	"time"

	"ConnectSphere/tools/errs"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// Options controls signing algorithm and token lifetime.
type Options struct {
	Secret []byte        // HMAC key (from ENV/KMS in production)
	Alg    string        // HS256/HS384/HS512 (default HS256)
	TTL    time.Duration // token lifetime (default 2h)
}

func DefaultOptions(secret []byte) Options {
	return Options{Secret: secret, Alg: "HS256", TTL: 2 * time.Hour}
}

// Identity is the result of a successful verification. Immutable once
// attached to a connection; re-derived from the token on every connect.
type Identity struct {
	UserID string
	Email  string
	Name   string
}

// Generate signs a token carrying the identity. Used by the token issuer
// and by tests; the relay itself only verifies.
func Generate(opts Options, userID, email, name string) (token string, expireAt time.Time, err error) {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return "", time.Time{}, err
	}
	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Hour
	}
	now := time.Now()
	exp := now.Add(opts.TTL)

	claims := jwtlib.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": exp.Unix(),
	}
	if email != "" {
		claims["email"] = email
	}
	if name != "" {
		claims["name"] = name
	}

	tok := jwtlib.NewWithClaims(method, claims)
	signed, err := tok.SignedString(opts.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify checks structure, signature and expiry, then extracts the identity.
// Every failure collapses to errs.ErrTokenInvalid: the client never learns
// which check failed.
func Verify(opts Options, token string) (*Identity, error) {
	if _, err := signingMethod(opts.Alg); err != nil {
		return nil, err
	}
	parsed, err := jwtlib.Parse(token, func(t *jwtlib.Token) (interface{}, error) {
		// HMAC family only; rejects alg confusion (e.g. none / RS256)
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errs.ErrTokenInvalid.WithDetail("unexpected alg")
		}
		return opts.Secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, errs.ErrTokenInvalid
	}
	claims, ok := parsed.Claims.(jwtlib.MapClaims)
	if !ok {
		return nil, errs.ErrTokenInvalid
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, errs.ErrTokenInvalid
	}
	email, _ := claims["email"].(string)
	name, _ := claims["name"].(string)
	return &Identity{UserID: sub, Email: email, Name: name}, nil
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, errs.ErrTokenInvalid.WithDetail("unsupported alg: " + alg)
	}
}
