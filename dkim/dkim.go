// Package dkim defines the types for DKIM signature verification of inbound
// messages and DKIM signing of outbound messages.
//
// Signature verification needs DNS lookups of the selector's public key, and
// signing needs access to private key material. Both are provided by external
// collaborators implementing Verifier and Signer.
package dkim

import (
	"context"

	"github.com/oonrumail/smtpd/dns"
)

// Status is the result of verifying one DKIM-Signature header, RFC 8601
// section 2.7.1.
type Status string

const (
	StatusNone      Status = "none"
	StatusPass      Status = "pass"
	StatusFail      Status = "fail"
	StatusTemperror Status = "temperror"
	StatusPermerror Status = "permerror"
)

// Result is the verification result for a single DKIM-Signature header.
type Result struct {
	Status   Status
	Domain   dns.Domain // "d=" of the signature.
	Selector string     // "s=" of the signature.
	Err      error      // Set for statuses other than pass, for logging.
}

// Valid returns whether the signature verified successfully.
func (r Result) Valid() bool {
	return r.Status == StatusPass
}

// Verifier checks the DKIM-Signature headers of a message.
type Verifier interface {
	// Verify parses all DKIM-Signature headers of msg (a full message,
	// headers and body) and verifies each against the public key published
	// under its selector. One Result per signature, in header order. A
	// message without signatures returns an empty slice and no error.
	Verify(ctx context.Context, msg []byte) ([]Result, error)
}

// Signer adds a DKIM-Signature header for a domain to outbound messages.
type Signer interface {
	// Sign returns msg with a DKIM-Signature header prepended, signed with
	// the private key configured for domain. If no key is configured for
	// domain, Sign returns an error.
	Sign(ctx context.Context, domain dns.Domain, msg []byte) ([]byte, error)
}
