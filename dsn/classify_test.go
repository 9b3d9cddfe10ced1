package dsn

import (
	"testing"
)

func TestClassifyStatus(t *testing.T) {
	check := func(code int, msg string, status StatusCode, bounce BounceType) {
		t.Helper()
		st, bt := ClassifyStatus(code, msg)
		if st != status || bt != bounce {
			t.Fatalf("classify %d %q: got %v %q, expected %v %q", code, msg, st, bt, status, bounce)
		}
	}

	// 550 is used both for unknown users and for policy rejections, the
	// message text decides.
	check(550, "5.1.1 User unknown", StatusBadDestMailbox, BounceHard)
	check(550, "mailbox not found", StatusBadDestMailbox, BounceHard)
	check(550, "No Such User here", StatusBadDestMailbox, BounceHard)
	check(550, "recipient rejected", StatusBadDestMailbox, BounceHard)
	check(550, "message identified as SPAM", StatusSecurityRejection, BouncePolicy)
	check(550, "sender blocked by policy", StatusSecurityRejection, BouncePolicy)
	check(550, "", StatusBadDestMailbox, BounceHard)

	check(551, "user not local", StatusDestNoLongerAccept, BounceHard)

	check(552, "message exceeds quota", StatusMailboxFull, BounceHard)
	check(552, "Mailbox Full", StatusMailboxFull, BounceHard)
	check(552, "message size exceeds limit", StatusMessageTooLarge, BounceHard)

	check(553, "invalid address syntax", StatusBadDestSyntax, BounceHard)
	check(554, "transaction failed", StatusSecurityRejection, BouncePolicy)

	check(421, "service not available", StatusTempSystemNotAccept, BounceSoft)
	check(421, "connection timed out", StatusNetworkBadConn, BounceNetwork)
	check(421, "network unreachable", StatusNetworkBadConn, BounceNetwork)
	check(450, "mailbox unavailable", StatusTempMailboxUnavail, BounceSoft)

	// Failures without any SMTP reply, e.g. connect errors.
	check(0, "dial tcp: connection refused", StatusNetworkNoAnswer, BounceNetwork)

	check(451, "please try again later", StatusTempCongestion, BounceSoft)
	check(451, "local error in processing", StatusTempSystemFull, BounceSoft)

	check(452, "insufficient storage, over quota", StatusTempMailboxFull, BounceSoft)
	check(452, "mailbox full", StatusTempMailboxFull, BounceSoft)
	check(452, "too many recipients", StatusTempSystemFull, BounceSoft)

	// Fallbacks for codes without a specific mapping.
	check(500, "syntax error", StatusCode{5, 0, 0}, BounceHard)
	check(442, "connection dropped", StatusCode{4, 0, 0}, BounceSoft)
	check(250, "ok", StatusSuccess, "")
	check(221, "bye", StatusSuccess, "")
}

func TestStatusCode(t *testing.T) {
	if s := StatusBadDestMailbox.String(); s != "5.1.1" {
		t.Fatalf("got %q, expected 5.1.1", s)
	}
	l := []struct {
		status    StatusCode
		permanent bool
		temporary bool
		success   bool
	}{
		{StatusSuccess, false, false, true},
		{StatusBadDestMailbox, true, false, false},
		{StatusTempCongestion, false, true, false},
	}
	for _, e := range l {
		if e.status.IsPermanent() != e.permanent || e.status.IsTemporary() != e.temporary || e.status.IsSuccess() != e.success {
			t.Fatalf("status %v: predicates permanent %v temporary %v success %v, expected %v %v %v", e.status, e.status.IsPermanent(), e.status.IsTemporary(), e.status.IsSuccess(), e.permanent, e.temporary, e.success)
		}
	}
}
