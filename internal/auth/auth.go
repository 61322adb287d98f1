// Package auth guards the bench control API with a shared token.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

type Validator interface {
	Validate(token string) error
}

// StaticToken accepts exactly one token. An empty Token rejects
// everything.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(token string) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

type FuncValidator func(token string) error

func (f FuncValidator) Validate(token string) error {
	return f(token)
}

// AnyToken accepts any of tokens. Empty entries are ignored.
func AnyToken(tokens ...string) Validator {
	accepted := make([]StaticToken, 0, len(tokens))
	for _, t := range tokens {
		if t != "" {
			accepted = append(accepted, StaticToken{Token: t})
		}
	}
	return FuncValidator(func(token string) error {
		for _, v := range accepted {
			if v.Validate(token) == nil {
				return nil
			}
		}
		return ErrUnauthorized
	})
}

// BearerToken extracts the token of an "Authorization: Bearer <token>"
// header value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
