package dsn

import (
	"fmt"
	"strings"
)

// Subjects used for generated DSN messages.
const (
	SubjectFailed  = "Undelivered Mail Returned to Sender"
	SubjectDelayed = "Delayed Mail (still being retried)"
)

// BounceType classifies the nature of a delivery failure.
type BounceType string

const (
	// BounceHard is a permanent failure, e.g. the address does not exist.
	BounceHard BounceType = "hard"

	// BounceSoft is a temporary failure, e.g. mailbox full or server busy.
	// Delivery will be retried.
	BounceSoft BounceType = "soft"

	// BouncePolicy is a rejection due to policy, e.g. content filtering or a
	// blocked sender. Permanent, never retried.
	BouncePolicy BounceType = "policy"

	// BounceNetwork is a network-level failure, e.g. connection timeout or
	// DNS failure.
	BounceNetwork BounceType = "network"
)

// StatusCode is an RFC 3463 enhanced mail status code.
type StatusCode struct {
	Class   int // 2 is success, 4 temporary failure, 5 permanent failure.
	Subject int // Category of the status.
	Detail  int // Specific condition.
}

// Enhanced status codes from RFC 3463 used when classifying SMTP responses.
var (
	StatusSuccess = StatusCode{2, 0, 0}

	StatusBadDestMailbox     = StatusCode{5, 1, 1} // Bad destination mailbox address.
	StatusBadDestSyntax      = StatusCode{5, 1, 3} // Bad destination mailbox address syntax.
	StatusDestNoLongerAccept = StatusCode{5, 1, 6} // Destination mailbox moved, no forwarding.
	StatusMailboxFull        = StatusCode{5, 2, 2} // Mailbox full.
	StatusMessageTooLarge    = StatusCode{5, 3, 4} // Message too big for system.
	StatusSecurityRejection  = StatusCode{5, 7, 1} // Delivery not authorized, message refused.

	StatusTempMailboxUnavail  = StatusCode{4, 2, 1} // Mailbox disabled, not accepting messages.
	StatusTempMailboxFull     = StatusCode{4, 2, 2} // Mailbox full.
	StatusTempSystemFull      = StatusCode{4, 3, 1} // Mail system full.
	StatusTempSystemNotAccept = StatusCode{4, 3, 2} // System not accepting network messages.
	StatusNetworkNoAnswer     = StatusCode{4, 4, 1} // No answer from host.
	StatusNetworkBadConn      = StatusCode{4, 4, 2} // Bad connection.
	StatusTempCongestion      = StatusCode{4, 4, 5} // Mail system congestion.
)

// String returns the status code in its wire form, e.g. "5.1.1".
func (s StatusCode) String() string {
	return fmt.Sprintf("%d.%d.%d", s.Class, s.Subject, s.Detail)
}

// IsPermanent returns whether this is a permanent failure (class 5).
func (s StatusCode) IsPermanent() bool {
	return s.Class == 5
}

// IsTemporary returns whether this is a temporary failure (class 4).
func (s StatusCode) IsTemporary() bool {
	return s.Class == 4
}

// IsSuccess returns whether this is a success (class 2).
func (s StatusCode) IsSuccess() bool {
	return s.Class == 2
}

// ClassifyStatus maps an SMTP response code with its message text to an
// enhanced status code and a bounce type. The message text disambiguates
// codes that servers use for multiple conditions, e.g. 550 for both unknown
// users and policy rejections.
//
// For success responses the bounce type is empty.
func ClassifyStatus(smtpCode int, message string) (StatusCode, BounceType) {
	switch {
	case smtpCode <= 0:
		// No SMTP reply at all, the failure was at the connection level.
		return StatusNetworkNoAnswer, BounceNetwork

	case smtpCode == 550:
		if containsAny(message, "user unknown", "mailbox not found", "no such user", "recipient rejected") {
			return StatusBadDestMailbox, BounceHard
		}
		if containsAny(message, "spam", "blocked", "rejected", "policy") {
			return StatusSecurityRejection, BouncePolicy
		}
		return StatusBadDestMailbox, BounceHard

	case smtpCode == 551:
		return StatusDestNoLongerAccept, BounceHard

	case smtpCode == 552:
		if containsAny(message, "quota", "mailbox full", "over quota") {
			return StatusMailboxFull, BounceHard
		}
		return StatusMessageTooLarge, BounceHard

	case smtpCode == 553:
		return StatusBadDestSyntax, BounceHard

	case smtpCode == 554:
		return StatusSecurityRejection, BouncePolicy

	case smtpCode == 421:
		if containsAny(message, "timeout", "timed out", "connection", "network") {
			return StatusNetworkBadConn, BounceNetwork
		}
		return StatusTempSystemNotAccept, BounceSoft

	case smtpCode == 450:
		return StatusTempMailboxUnavail, BounceSoft

	case smtpCode == 451:
		if containsAny(message, "try again", "try later") {
			return StatusTempCongestion, BounceSoft
		}
		return StatusTempSystemFull, BounceSoft

	case smtpCode == 452:
		if containsAny(message, "quota", "full") {
			return StatusTempMailboxFull, BounceSoft
		}
		return StatusTempSystemFull, BounceSoft

	default:
		if smtpCode >= 500 {
			return StatusCode{5, 0, 0}, BounceHard
		}
		if smtpCode >= 400 {
			return StatusCode{4, 0, 0}, BounceSoft
		}
		return StatusSuccess, ""
	}
}

func containsAny(s string, substrs ...string) bool {
	lower := strings.ToLower(s)
	for _, substr := range substrs {
		if strings.Contains(lower, substr) {
			return true
		}
	}
	return false
}
