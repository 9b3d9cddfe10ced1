// Package spf defines the types for Sender Policy Framework (SPF)
// verification of the "MAIL FROM" identity during an SMTP transaction.
//
// Evaluating the published SPF record of a domain requires DNS resolution,
// which is done by an external collaborator implementing Verifier.
package spf

import (
	"context"
	"net"

	"github.com/oonrumail/smtpd/dns"
)

// Status is the result of an SPF verification, RFC 7208 section 2.6.
type Status string

const (
	StatusNone      Status = "none"
	StatusNeutral   Status = "neutral"
	StatusPass      Status = "pass"
	StatusFail      Status = "fail"
	StatusSoftfail  Status = "softfail"
	StatusTemperror Status = "temperror"
	StatusPermerror Status = "permerror"
)

// Args are the parameters to an SPF verification.
type Args struct {
	// RemoteIP is the address of the connecting SMTP client.
	RemoteIP net.IP

	// MailFromDomain is the domain of the envelope sender ("MAIL FROM"). If
	// the reverse-path was empty, the EHLO domain is evaluated instead and
	// HelloDomain should be set.
	MailFromDomain dns.Domain

	// HelloDomain is the domain or address literal from the EHLO/HELO command.
	HelloDomain dns.IPDomain
}

// Verifier evaluates the SPF policy of the sending domain for a remote IP.
type Verifier interface {
	// Verify returns the SPF status for args, along with the domain whose
	// policy was evaluated. The error is set for temperror/permerror and
	// describes the cause, for logging.
	Verify(ctx context.Context, args Args) (Status, dns.Domain, error)
}
