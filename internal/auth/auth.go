// Package auth checks the shared token presented on lattice control requests.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator decides whether a presented token may use an endpoint.
type Validator interface {
	Validate(token string) error
}

// SharedToken accepts exactly one token. An empty SharedToken rejects everything.
type SharedToken string

func (s SharedToken) Validate(token string) error {
	if s == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// Open accepts every token, including none.
type Open struct{}

func (Open) Validate(string) error {
	return nil
}

// FromToken returns Open for a blank token and a SharedToken otherwise.
func FromToken(token string) Validator {
	token = strings.TrimSpace(token)
	if token == "" {
		return Open{}
	}
	return SharedToken(token)
}
