package dsn

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/textproto"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/oonrumail/smtpd/dns"
	"github.com/oonrumail/smtpd/message"
	"github.com/oonrumail/smtpd/smtp"
)

func xparseDomain(s string) dns.Domain {
	d, err := dns.ParseDomain(s)
	if err != nil {
		panic(fmt.Sprintf("parsing domain %q: %v", s, err))
	}
	return d
}

func xparseIPDomain(s string) dns.IPDomain {
	return dns.IPDomain{Domain: xparseDomain(s)}
}

type part struct {
	header textproto.MIMEHeader
	body   []byte
}

// tparts parses the composed DSN, checks it is a multipart/report and returns
// its parts.
func tparts(t *testing.T, msgbuf []byte, nparts int) []part {
	t.Helper()
	hdrs, err := message.ReadHeaders(bufio.NewReader(bytes.NewReader(msgbuf)))
	if err != nil {
		t.Fatalf("reading dsn headers: %v", err)
	}
	h, err := textproto.NewReader(bufio.NewReader(bytes.NewReader(hdrs))).ReadMIMEHeader()
	if err != nil && err != io.EOF {
		t.Fatalf("parsing dsn headers: %v", err)
	}
	mt, params, err := mime.ParseMediaType(h.Get("Content-Type"))
	if err != nil {
		t.Fatalf("parsing content-type: %v", err)
	}
	if mt != "multipart/report" || params["report-type"] != "delivery-status" {
		t.Fatalf("got content-type %q with report-type %q, expected multipart/report with delivery-status", mt, params["report-type"])
	}
	mr := multipart.NewReader(bytes.NewReader(msgbuf[len(hdrs)+2:]), params["boundary"])
	var l []part
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("reading next part: %v", err)
		}
		buf, err := io.ReadAll(p)
		if err != nil {
			t.Fatalf("reading part body: %v", err)
		}
		l = append(l, part{p.Header, buf})
	}
	if len(l) != nparts {
		t.Fatalf("got %d parts, expected %d", len(l), nparts)
	}
	return l
}

func tcheckType(t *testing.T, p part, ct, cte string) {
	t.Helper()
	mt, _, err := mime.ParseMediaType(p.header.Get("Content-Type"))
	if err != nil {
		t.Fatalf("parsing part content-type: %v", err)
	}
	if mt != ct {
		t.Fatalf("got part content-type %q, expected %q", mt, ct)
	}
	if !strings.EqualFold(p.header.Get("Content-Transfer-Encoding"), cte) {
		t.Fatalf("got content-transfer-encoding %q, expected %q", p.header.Get("Content-Transfer-Encoding"), cte)
	}
}

func TestDSN(t *testing.T) {
	now := time.Now().Round(time.Second)

	// An ascii-only message.
	m := Message{
		SMTPUTF8: false,

		From:     smtp.Path{Localpart: "mailer-daemon", IPDomain: xparseIPDomain("mail.oonru.example")},
		To:       smtp.Path{Localpart: "sender", IPDomain: xparseIPDomain("remote.example")},
		Subject:  SubjectFailed,
		TextBody: "delivery failure\n",

		ReportingMTA:    "mail.oonru.example",
		ReceivedFromMTA: smtp.Ehlo{Name: xparseIPDomain("relay.example"), ConnIP: net.ParseIP("10.10.10.10")},
		ArrivalDate:     now,

		Recipients: []Recipient{
			{
				FinalRecipient:  smtp.Path{Localpart: "gone", IPDomain: xparseIPDomain("oonru.example")},
				Action:          Failed,
				Status:          "5.1.1",
				BounceType:      BounceHard,
				DiagnosticCode:  "5.1.1 no such user",
				LastAttemptDate: now,
			},
		},

		Original: []byte("Subject: test\r\n"),
	}
	msgbuf, err := m.Compose(false)
	if err != nil {
		t.Fatalf("composing dsn: %v", err)
	}
	if m.MessageID == "" {
		t.Fatalf("compose did not set message-id")
	}
	l := tparts(t, msgbuf, 3)
	tcheckType(t, l[0], "text/plain", "7bit")
	tcheckType(t, l[1], "message/delivery-status", "7bit")
	tcheckType(t, l[2], "message/rfc822", "7bit")
	if !bytes.Equal(l[2].body, m.Original) {
		t.Fatalf("got original %q, expected %q", l[2].body, m.Original)
	}

	// Round-trip the delivery-status part.
	pm, err := Decode(bytes.NewReader(l[1].body), false)
	if err != nil {
		t.Fatalf("decoding delivery-status: %v", err)
	}
	if pm.ReportingMTA != m.ReportingMTA {
		t.Fatalf("got reporting mta %q, expected %q", pm.ReportingMTA, m.ReportingMTA)
	}
	if !pm.ArrivalDate.Equal(now) {
		t.Fatalf("got arrival date %v, expected %v", pm.ArrivalDate, now)
	}
	if len(pm.Recipients) != 1 {
		t.Fatalf("got %d recipients, expected 1", len(pm.Recipients))
	}
	r := pm.Recipients[0]
	if !reflect.DeepEqual(r.FinalRecipient, m.Recipients[0].FinalRecipient) {
		t.Fatalf("got final recipient %v, expected %v", r.FinalRecipient, m.Recipients[0].FinalRecipient)
	}
	if r.Action != Failed {
		t.Fatalf("got action %q, expected failed", r.Action)
	}
	if r.Status != "5.1.1" {
		t.Fatalf("got status %q, expected 5.1.1", r.Status)
	}
	if r.DiagnosticCode != "5.1.1 (no such user)" {
		t.Fatalf("got diagnostic code %q, expected %q", r.DiagnosticCode, "5.1.1 (no such user)")
	}
	if !r.LastAttemptDate.Equal(now) {
		t.Fatalf("got last attempt date %v, expected %v", r.LastAttemptDate, now)
	}

	// Large original, only headers should be included.
	m.Original = append([]byte("Subject: big\r\n\r\n"), bytes.Repeat([]byte("x"), 60*1024)...)
	msgbuf, err = m.Compose(false)
	if err != nil {
		t.Fatalf("composing dsn with large original: %v", err)
	}
	l = tparts(t, msgbuf, 3)
	tcheckType(t, l[2], "text/rfc822-headers", "7bit")
	if !bytes.Equal(l[2].body, []byte("Subject: big\r\n")) {
		t.Fatalf("got original part %q, expected headers only", l[2].body)
	}

	// An utf-8 message.
	m = Message{
		SMTPUTF8: true,

		From:     smtp.Path{Localpart: "mailer-daemon", IPDomain: xparseIPDomain("møil.example")},
		To:       smtp.Path{Localpart: "sénder", IPDomain: xparseIPDomain("remøte.example")},
		Subject:  SubjectDelayed,
		TextBody: "delivery delayed¿\n",

		ReportingMTA: "mail.oonru.example",
		ArrivalDate:  now,

		Recipients: []Recipient{
			{
				Action:          Delayed,
				FinalRecipient:  smtp.Path{Localpart: "møx", IPDomain: xparseIPDomain("remøte.example")},
				Status:          "4.4.5",
				BounceType:      BounceSoft,
				LastAttemptDate: now,
			},
		},

		Original: []byte("Subject: tést\r\n"),
	}
	msgbuf, err = m.Compose(false)
	if err != nil {
		t.Fatalf("composing utf-8 dsn without utf-8 support: %v", err)
	}
	l = tparts(t, msgbuf, 3)
	tcheckType(t, l[0], "text/plain", "7bit")
	tcheckType(t, l[1], "message/delivery-status", "7bit")
	tcheckType(t, l[2], "text/rfc822-headers", "base64")

	msgbuf, err = m.Compose(true)
	if err != nil {
		t.Fatalf("composing utf-8 dsn with utf-8 support: %v", err)
	}
	l = tparts(t, msgbuf, 3)
	tcheckType(t, l[0], "text/plain", "8bit")
	tcheckType(t, l[1], "message/global-delivery-status", "8bit")
	tcheckType(t, l[2], "message/global", "8bit")
	pm, err = Decode(bytes.NewReader(l[1].body), true)
	if err != nil {
		t.Fatalf("decoding global-delivery-status: %v", err)
	}
	if !reflect.DeepEqual(pm.Recipients[0].FinalRecipient, m.Recipients[0].FinalRecipient) {
		t.Fatalf("got final recipient %v, expected %v", pm.Recipients[0].FinalRecipient, m.Recipients[0].FinalRecipient)
	}

	// Without original message, two parts.
	m.Original = nil
	msgbuf, err = m.Compose(true)
	if err != nil {
		t.Fatalf("composing dsn without original: %v", err)
	}
	tparts(t, msgbuf, 2)

	// Missing recipients is an error.
	m.Recipients = nil
	if _, err := m.Compose(true); err == nil {
		t.Fatalf("compose without recipients did not fail")
	}
}

func TestCode(t *testing.T) {
	testCodeLine := func(line, ecode, rest string) {
		t.Helper()
		e, r := codeLine(line)
		if e != ecode || r != rest {
			t.Fatalf("codeLine %q: got %q %q, expected %q %q", line, e, r, ecode, rest)
		}
	}
	testCodeLine("4.0.0", "4.0.0", "")
	testCodeLine("4.0.0 more", "4.0.0", "more")
	testCodeLine("other", "", "other")
	testCodeLine("other more", "", "other more")

	testHasCode := func(line string, exp bool) {
		t.Helper()
		got := HasCode(line)
		if got != exp {
			t.Fatalf("HasCode %q: got %v, expected %v", line, got, exp)
		}
	}
	testHasCode("4.0.0", true)
	testHasCode("5.7.28", true)
	testHasCode("10.0.0", false) // first number must be single digit.
	testHasCode("4.1.1 more", true)
	testHasCode("other ", false)
	testHasCode("4.2.", false)
	testHasCode("4.2. ", false)
	testHasCode(" 4.2.4", false)
	testHasCode(" 4.2.4 ", false)
}
