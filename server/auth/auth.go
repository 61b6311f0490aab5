// Package auth resolves the calling actor from request credentials.
package auth

import (
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"github.com/parleyhq/parley/server/pipeline"
)

const (
	// Issuer is stamped into every access token this server signs.
	Issuer = "parley"
	// AccessTokenDuration is the lifetime of issued access tokens.
	AccessTokenDuration = 7 * 24 * time.Hour
)

// Authenticator validates bearer tokens and maps requests to actors.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator creates an Authenticator with the signing secret.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Authenticate resolves the actor for a request. A valid bearer token
// yields the authenticated user; no Authorization header yields an
// anonymous actor keyed by clientIP. A present-but-invalid token is an
// error, never a silent downgrade to anonymous.
func (a *Authenticator) Authenticate(authHeader, clientIP string) (pipeline.Actor, error) {
	if authHeader == "" {
		return pipeline.AnonymousActor{Key: clientIP}, nil
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == authHeader {
		return nil, errors.New("malformed authorization header")
	}
	userID, err := a.parseToken(token)
	if err != nil {
		return nil, err
	}
	return pipeline.AuthenticatedActor{UserID: userID}, nil
}

func (a *Authenticator) parseToken(token string) (int32, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithIssuer(Issuer))
	if err != nil {
		return 0, errors.Wrap(err, "invalid access token")
	}
	if !parsed.Valid {
		return 0, errors.New("invalid access token")
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 32)
	if err != nil {
		return 0, errors.Wrap(err, "invalid token subject")
	}
	return int32(userID), nil
}

// SignToken issues an access token for the given user.
func (a *Authenticator) SignToken(userID int32, now time.Time) (string, error) {
	claims := &jwt.RegisteredClaims{
		Issuer:    Issuer,
		Subject:   strconv.FormatInt(int64(userID), 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(AccessTokenDuration)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", errors.Wrap(err, "failed to sign token")
	}
	return signed, nil
}
