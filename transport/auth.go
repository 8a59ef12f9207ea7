// Auth is the boundary-level collaborator spec.md §1 names as out of
// core scope: a bearer-token check in front of the socket, structured the
// way the teacher's authn package issues and verifies tokens
// (authn/utils.go's DecryptToken), but reduced to the single shared-secret
// HMAC case xs needs - there is no multi-user/ACL model here, only "is this
// caller allowed to talk to this store at all."
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package transport

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/xshost/xs/cmn"
)

// TokenIssuer mints and verifies the bearer tokens xsctl presents on every
// request when the transport is configured with an auth secret.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), ttl: ttl}
}

type claims struct {
	jwt.RegisteredClaims
}

// Issue mints a token for the given subject, same HMAC-SHA256 signing the
// teacher uses for its own auth tokens.
func (ti *TokenIssuer) Issue(subject string) (string, error) {
	now := time.Now()
	c := claims{jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ti.ttl)),
	}}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(ti.secret)
}

// Verify parses and validates a bearer token, mirroring authn.DecryptToken's
// signing-method check and expiry check.
func (ti *TokenIssuer) Verify(raw string) error {
	tok, err := jwt.ParseWithClaims(raw, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return ti.secret, nil
	})
	if err != nil {
		return cmn.ErrInvalidArgument("transport: invalid token: %v", err)
	}
	if !tok.Valid {
		return cmn.ErrInvalidArgument("transport: token rejected")
	}
	return nil
}

// HashSecret and CheckSecret back the out-of-band step of handing a caller
// their shared secret in the first place (e.g. a `xsctl login`-style flow);
// xs itself never stores more than one operator secret, but the hashing
// primitive is the teacher's own choice (x/crypto/bcrypt) for anything
// secret-at-rest.
func HashSecret(secret string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	return string(b), err
}

func CheckSecret(hash, secret string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret))
}
