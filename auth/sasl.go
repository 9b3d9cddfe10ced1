package auth

import (
	"bytes"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// ParsePlain splits a decoded SASL PLAIN initial response into its three
// NUL-separated tokens, RFC 4616. The authorization identity, if present,
// must match the authentication identity, we don't allow assuming another
// role. Identities are NFC-normalized.
func ParsePlain(buf []byte) (authc, password string, err error) {
	plain := bytes.Split(buf, []byte{0})
	if len(plain) != 3 {
		return "", "", fmt.Errorf("auth data should have 3 nul-separated tokens, got %d", len(plain))
	}
	authz := norm.NFC.String(string(plain[0]))
	authc = norm.NFC.String(string(plain[1]))
	password = string(plain[2])
	if authz != "" && authz != authc {
		return "", "", fmt.Errorf("cannot assume other role")
	}
	return authc, password, nil
}

// LoginStep is the progress of a SASL LOGIN exchange.
type LoginStep int

const (
	LoginAwaitingUsername LoginStep = iota
	LoginAwaitingPassword
	LoginComplete
)

// LoginExchange is the server side of the obsolete SASL LOGIN mechanism,
// only implemented to support legacy clients. The caller base64-encodes
// challenges and decodes responses on the wire.
//
// LOGIN is described in an expired draft,
// https://datatracker.ietf.org/doc/html/draft-murchison-sasl-login-00.
type LoginExchange struct {
	Step     LoginStep
	Username string
	Password string
}

// Challenge returns the prompt for the current step. The draft says clients
// should ignore the challenge text, but some require these exact prompts.
func (e *LoginExchange) Challenge() string {
	if e.Step == LoginAwaitingUsername {
		return "Username:"
	}
	return "Password:"
}

// Respond consumes a decoded client response and advances the exchange. The
// exchange is finished when Step is LoginComplete.
func (e *LoginExchange) Respond(resp []byte) error {
	switch e.Step {
	case LoginAwaitingUsername:
		e.Username = norm.NFC.String(string(resp))
		e.Step = LoginAwaitingPassword
	case LoginAwaitingPassword:
		e.Password = string(resp)
		e.Step = LoginComplete
	default:
		return fmt.Errorf("login exchange already complete")
	}
	return nil
}
