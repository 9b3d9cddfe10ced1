// Package dmarc defines the types for DMARC evaluation of inbound messages,
// combining the SPF and DKIM results with the policy published by the domain
// in the message From header.
//
// Fetching the DMARC record requires DNS resolution, done by an external
// collaborator implementing Verifier.
package dmarc

import (
	"context"
	"net"

	"github.com/oonrumail/smtpd/dkim"
	"github.com/oonrumail/smtpd/dns"
	"github.com/oonrumail/smtpd/spf"
)

// Status is the result of a DMARC evaluation, RFC 8601 section 2.7.7.
type Status string

const (
	StatusNone      Status = "none"
	StatusPass      Status = "pass"
	StatusFail      Status = "fail"
	StatusTemperror Status = "temperror"
	StatusPermerror Status = "permerror"
)

// Disposition is the message handling the evaluated policy asks for, RFC
// 7489 section 6.3.
type Disposition string

const (
	DispositionNone       Disposition = "none"
	DispositionQuarantine Disposition = "quarantine"
	DispositionReject     Disposition = "reject"
)

// Args are the parameters to a DMARC evaluation.
type Args struct {
	// FromDomain is the domain of the address in the message From header,
	// the identity DMARC protects.
	FromDomain dns.Domain

	RemoteIP net.IP

	// SPFStatus and SPFDomain are the outcome of SPF verification, used for
	// the aligned-identifier check.
	SPFStatus spf.Status
	SPFDomain dns.Domain

	// DKIMResults are the per-signature DKIM outcomes.
	DKIMResults []dkim.Result
}

// Result is the outcome of a DMARC evaluation.
type Result struct {
	Status Status

	// Disposition is what the policy asks for when Status is not pass. For
	// pass, or when no policy was published, it is DispositionNone.
	Disposition Disposition

	// Domain is the domain whose policy was evaluated, the From-header
	// domain or its organizational domain.
	Domain dns.Domain

	Err error // Set for temperror/permerror, for logging.
}

// Verifier evaluates the DMARC policy of the From-header domain.
type Verifier interface {
	Verify(ctx context.Context, args Args) (Result, error)
}
