package config

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "smtpd.conf")
	conf := `DataDir: data
LogLevel: info
Hostname: mail.oonru.example
TrustedNetworks:
	- 10.0.0.0/8
Listeners:
	local:
		IPs:
			- 127.0.0.1
		SMTP:
			Enabled: true
			Port: 1025
		Submission:
			Enabled: true
			Port: 1587
			NoRequireSTARTTLS: true
`
	if err := os.WriteFile(p, []byte(conf), 0o660); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	c, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.HostnameDomain.ASCII != "mail.oonru.example" {
		t.Fatalf("got hostname %q", c.HostnameDomain.ASCII)
	}
	if c.DataDir != filepath.Join(dir, "data") {
		t.Fatalf("datadir %q not resolved against config dir", c.DataDir)
	}
	if c.Auth.MaxFailedAttempts != 5 || c.Auth.FailureWindow != 15*time.Minute {
		t.Fatalf("auth defaults not applied: %+v", c.Auth)
	}
	if c.DSN.Localpart != "MAILER-DAEMON" {
		t.Fatalf("dsn localpart default not applied: %q", c.DSN.Localpart)
	}
	l := c.Listeners["local"]
	if l.SMTPMaxMessageSize != DefaultMaxMsgSize {
		t.Fatalf("got max message size %d", l.SMTPMaxMessageSize)
	}
	if l.HostnameDomain.ASCII != "mail.oonru.example" {
		t.Fatalf("listener hostname %q not defaulted", l.HostnameDomain.ASCII)
	}
	if !c.IsTrusted(net.ParseIP("10.1.2.3")) {
		t.Fatalf("10.1.2.3 not trusted")
	}
	if c.IsTrusted(net.ParseIP("192.0.2.1")) {
		t.Fatalf("192.0.2.1 trusted")
	}
}

func TestLoadBad(t *testing.T) {
	dir := t.TempDir()

	load := func(conf string) error {
		t.Helper()
		p := filepath.Join(dir, "smtpd.conf")
		if err := os.WriteFile(p, []byte(conf), 0o660); err != nil {
			t.Fatalf("writing config: %v", err)
		}
		_, err := Load(p)
		return err
	}

	// No listeners.
	err := load("DataDir: data\nLogLevel: info\nHostname: mail.oonru.example\n")
	if err == nil {
		t.Fatalf("no error for config without listeners")
	}

	// Bad trusted network.
	err = load("DataDir: data\nLogLevel: info\nHostname: mail.oonru.example\nTrustedNetworks:\n\t- bogus\nListeners:\n\tlocal:\n\t\tIPs:\n\t\t\t- 127.0.0.1\n\t\tSMTP:\n\t\t\tEnabled: true\n")
	if err == nil {
		t.Fatalf("no error for bad trusted network")
	}

	// Submission without TLS and without NoRequireSTARTTLS.
	err = load("DataDir: data\nLogLevel: info\nHostname: mail.oonru.example\nListeners:\n\tlocal:\n\t\tIPs:\n\t\t\t- 127.0.0.1\n\t\tSubmission:\n\t\t\tEnabled: true\n")
	if err == nil {
		t.Fatalf("no error for submission without tls")
	}
}
