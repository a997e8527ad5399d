// Package secrets holds short-lived credential material (DICOMweb and
// platform bearer/basic tokens) sealed in locked, non-swappable memory via
// github.com/awnumar/memguard, rather than as plain Go strings that the
// runtime could page out or that would show up whole in a heap dump.
package secrets

import (
	"fmt"

	"github.com/awnumar/memguard"
)

// Token wraps a single credential value (an API token, Basic-auth secret,
// etc.) in a memguard.Enclave. The plaintext only exists transiently,
// inside Authorization, while building an outbound request header.
type Token struct {
	enclave *memguard.Enclave
}

// NewToken seals raw in a memguard enclave. The byte copy of raw is wiped
// after sealing; the raw string itself cannot be wiped.
func NewToken(raw string) *Token {
	buf := memguard.NewBufferFromBytes([]byte(raw))
	return &Token{enclave: buf.Seal()}
}

// AuthType identifies how a ConnectionDetails credential should be rendered
// into an Authorization header.
type AuthType string

const (
	AuthTypeBasic  AuthType = "Basic"
	AuthTypeBearer AuthType = "Bearer"
)

// Authorization renders the credential into an HTTP Authorization header
// value. Any AuthType other than Basic/Bearer fails the request.
func (t *Token) Authorization(kind AuthType) (string, error) {
	buf, err := t.enclave.Open()
	if err != nil {
		return "", fmt.Errorf("open sealed token: %w", err)
	}
	defer buf.Destroy()

	switch kind {
	case AuthTypeBasic:
		return "Basic " + buf.String(), nil
	case AuthTypeBearer:
		return "Bearer " + buf.String(), nil
	default:
		return "", fmt.Errorf("unsupported auth type %q", kind)
	}
}
