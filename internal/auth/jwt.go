package auth

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrUnsupportedJWT = errors.New("unsupported jwt")

const (
	// A 32 byte HMAC-SHA256 tag is 43 base64url characters without padding.
	hs256SigB64Len      = 43
	maxJWTHeaderB64Len  = 4 * 1024
	maxJWTPayloadB64Len = 16 * 1024
	maxJWTLen           = maxJWTHeaderB64Len + 1 + maxJWTPayloadB64Len + 1 + hs256SigB64Len
)

// b64 rejects padding and non-zero trailing bits, so every token has exactly
// one accepted encoding.
var b64 = base64.RawURLEncoding.Strict()

// JWTIdentifier accepts compact HS256 JWTs signed with a shared secret and
// identifies the caller by the "sub" claim, falling back to "sid".
//
// "exp" is required. "nbf" and "iat" are optional but must be integers when
// present.
type JWTIdentifier struct {
	secret []byte
	now    func() time.Time
}

func NewJWTIdentifier(secret string) *JWTIdentifier {
	return &JWTIdentifier{
		secret: []byte(secret),
		now:    time.Now,
	}
}

type jwtHeader struct {
	Alg *string `json:"alg"`
	Typ any     `json:"typ"`
}

// jwtClaims holds the registered claims the relay looks at. Fields are
// decoded as `any` so wrongly typed values are rejected instead of zeroed.
type jwtClaims struct {
	Sub any `json:"sub"`
	SID any `json:"sid"`
	Exp any `json:"exp"`
	Nbf any `json:"nbf"`
	Iat any `json:"iat"`
}

func (v *JWTIdentifier) Identify(token string) (string, error) {
	headerB64, payloadB64, _, ok := splitJWT(token)
	if !ok {
		return "", ErrInvalidCredentials
	}

	var header jwtHeader
	if err := decodeSegment(headerB64, &header); err != nil || header.Alg == nil {
		return "", ErrInvalidCredentials
	}
	if *header.Alg != "HS256" {
		return "", ErrUnsupportedJWT
	}
	if _, isString := header.Typ.(string); header.Typ != nil && !isString {
		return "", ErrInvalidCredentials
	}

	if _, err := v.parser().Parse(token, v.key); err != nil {
		return "", ErrInvalidCredentials
	}

	// The signature is good. The claims get a stricter second look than the
	// parser gives them: one JSON object, integer times, string identities.
	var claims jwtClaims
	if err := decodeSegment(payloadB64, &claims); err != nil {
		return "", ErrInvalidCredentials
	}
	if err := v.checkTimes(claims); err != nil {
		return "", err
	}
	return claimsIdentity(claims)
}

func (v *JWTIdentifier) parser() *jwt.Parser {
	return jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithStrictDecoding(),
		jwt.WithJSONNumber(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
}

func (v *JWTIdentifier) key(*jwt.Token) (any, error) {
	if len(v.secret) == 0 {
		return nil, errors.New("jwt secret not configured")
	}
	return v.secret, nil
}

func (v *JWTIdentifier) checkTimes(c jwtClaims) error {
	now := v.now().Unix()

	exp, ok := unixClaim(c.Exp)
	if !ok || now >= exp {
		return ErrInvalidCredentials
	}
	if c.Nbf != nil {
		nbf, ok := unixClaim(c.Nbf)
		if !ok || now < nbf {
			return ErrInvalidCredentials
		}
	}
	if c.Iat != nil {
		if _, ok := unixClaim(c.Iat); !ok {
			return ErrInvalidCredentials
		}
	}
	return nil
}

func claimsIdentity(c jwtClaims) (string, error) {
	var sub, sid string
	for _, f := range []struct {
		raw any
		dst *string
	}{{c.Sub, &sub}, {c.SID, &sid}} {
		if f.raw == nil {
			continue
		}
		s, ok := f.raw.(string)
		if !ok {
			return "", ErrInvalidCredentials
		}
		*f.dst = s
	}
	switch {
	case sub != "":
		return sub, nil
	case sid != "":
		return sid, nil
	default:
		return "", ErrInvalidCredentials
	}
}

// decodeSegment base64url-decodes one token segment holding exactly one JSON
// object.
func decodeSegment(seg string, into any) error {
	raw, err := b64.DecodeString(seg)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(into); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("trailing data after JSON object")
	}
	return nil
}

func splitJWT(token string) (headerB64, payloadB64, sigB64 string, ok bool) {
	if token == "" || len(token) > maxJWTLen || strings.Count(token, ".") != 2 {
		return "", "", "", false
	}
	parts := strings.SplitN(token, ".", 3)
	headerB64, payloadB64, sigB64 = parts[0], parts[1], parts[2]
	switch {
	case headerB64 == "" || len(headerB64) > maxJWTHeaderB64Len:
		return "", "", "", false
	case payloadB64 == "" || len(payloadB64) > maxJWTPayloadB64Len:
		return "", "", "", false
	case len(sigB64) != hs256SigB64Len:
		return "", "", "", false
	}
	return headerB64, payloadB64, sigB64, true
}

func unixClaim(v any) (int64, bool) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, false
	}
	ts, err := n.Int64()
	return ts, err == nil
}
