package message

import (
	"testing"

	"github.com/oonrumail/smtpd/dns"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func TestAuthResultsPack(t *testing.T) {
	dom, err := dns.ParseDomain("møx.example")
	tcheck(t, err, "parsing domain")
	authRes := AuthResults{
		Hostname: dom.XName(true),
		Comment:  dom.ASCIIExtra(true),
		Methods: []AuthMethod{
			{"dkim", "pass", "", "", []AuthProp{{"header", "d", dom.XName(true), true, dom.ASCIIExtra(true)}}},
		},
	}
	s := authRes.Header()
	const exp = "Authentication-Results: (xn--mx-lka.example) møx.example; dkim=pass\r\n\theader.d=møx.example (xn--mx-lka.example)\r\n"
	if s != exp {
		t.Fatalf("got %q, expected %q", s, exp)
	}
}

func TestAuthResultsOrder(t *testing.T) {
	// The clause order in the header follows the order the methods were
	// added: spf, dkim per signature, dmarc.
	authRes := AuthResults{
		Hostname: "mail.oonru.example",
		Methods: []AuthMethod{
			{Method: "spf", Result: "pass", Props: []AuthProp{MakeAuthProp("smtp", "mailfrom", "sender.example", true, "")}},
			{Method: "dkim", Result: "pass", Props: []AuthProp{MakeAuthProp("header", "d", "sender.example", true, ""), MakeAuthProp("header", "s", "sel", false, "")}},
			{Method: "dmarc", Result: "fail", Props: []AuthProp{MakeAuthProp("header", "from", "sender.example", true, "")}},
		},
	}
	s := authRes.Header()
	const exp = "Authentication-Results: mail.oonru.example; spf=pass\r\n\tsmtp.mailfrom=sender.example; dkim=pass header.d=sender.example header.s=sel;\r\n\tdmarc=fail header.from=sender.example\r\n"
	if s != exp {
		t.Fatalf("got %q, expected %q", s, exp)
	}
}
