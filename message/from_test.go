package message

import (
	"strings"
	"testing"
)

func TestParseHeaderFrom(t *testing.T) {
	hdrs := func(s string) []byte {
		return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
	}

	addr, err := ParseHeaderFrom(hdrs("Subject: hi\nFrom: Someone <Info@OONRU.example>\n"))
	tcheck(t, err, "parse from")
	if got := addr.String(); got != "Info@oonru.example" {
		t.Fatalf("got %q", got)
	}

	if _, err := ParseHeaderFrom(hdrs("Subject: hi\n")); err == nil {
		t.Fatalf("no error for missing From header")
	}
	if _, err := ParseHeaderFrom(hdrs("From: a@x.example, b@x.example\n")); err == nil {
		t.Fatalf("no error for multiple From addresses")
	}
}
