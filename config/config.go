// Package config holds the parsed form of the smtpd.conf configuration file.
package config

import (
	"crypto/tls"
	"net"
	"time"

	"github.com/oonrumail/smtpd/dns"
)

// DefaultMaxMsgSize is the maximum message size for incoming messages, in
// bytes. Can be overridden per listener and per domain policy.
const DefaultMaxMsgSize = 25 * 1024 * 1024

// Port returns port if non-zero, and fallback otherwise.
func Port(port, fallback int) int {
	if port == 0 {
		return fallback
	}
	return port
}

// Config is the parsed form of the smtpd.conf configuration file.
type Config struct {
	DataDir          string            `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDirectory where all data is stored: the domain/account database, the queue and spooled messages. If this is a relative path, it is relative to the directory of smtpd.conf."`
	LogLevel         string            `sconf-doc:"Default log level, one of: error, info, debug, trace, traceauth, tracedata. Trace logs SMTP protocol transcripts, with traceauth also messages with passwords, and tracedata on top of that also full message data."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. smtpserver, store, queue, auth)."`
	Hostname         string            `sconf-doc:"Full hostname of the mail server, e.g. mail.<domain>. Used in SMTP greetings, Received and Authentication-Results headers, and as the reporting MTA in delivery status notifications."`
	HostnameDomain   dns.Domain        `sconf:"-" json:"-"` // Parsed form of hostname.

	TrustedNetworks []string     `sconf:"optional" sconf-doc:"CIDR networks of trusted relays, e.g. 10.0.0.0/8 or 2001:db8::/32. Connections from these networks may submit messages without authenticating, and their messages skip SPF/DKIM/DMARC verification."`
	TrustedNets     []*net.IPNet `sconf:"-" json:"-"`

	Listeners map[string]Listener `sconf-doc:"Listeners are groups of IP addresses and services enabled on those IP addresses, such as SMTP for receiving email from other mail servers, submission for accepting email from authenticated users, or an internal endpoint for Prometheus metrics."`

	Auth struct {
		MaxFailedAttempts int           `sconf:"optional" sconf-doc:"Number of failed authentication attempts per account after which new attempts are rejected. Default 5."`
		FailureWindow     time.Duration `sconf:"optional" sconf-doc:"Window in which failed attempts are counted, and duration of the lockout, e.g. 15m. Default 15m."`
	} `sconf:"optional" sconf-doc:"Tuning of authentication failure handling. Failures are counted per account and, with a higher threshold, per remote IP."`

	DSN struct {
		Localpart string `sconf:"optional" sconf-doc:"Localpart at the hostname used as sender of delivery status notifications. Default MAILER-DAEMON."`
	} `sconf:"optional" sconf-doc:"Settings for generated delivery status notifications (bounce messages)."`
}

// Listener is a group of IP addresses and services enabled on those IPs.
type Listener struct {
	IPs            []string   `sconf-doc:"Use 0.0.0.0 to listen on all IPv4 and/or :: to listen on all IPv6 addresses."`
	Hostname       string     `sconf:"optional" sconf-doc:"If empty, the config global Hostname is used."`
	HostnameDomain dns.Domain `sconf:"-" json:"-"` // Set when parsing config.

	TLS                *TLS  `sconf:"optional" sconf-doc:"For SMTP STARTTLS connections."`
	SMTPMaxMessageSize int64 `sconf:"optional" sconf-doc:"Maximum size in bytes for incoming messages. Default is 25MB. Domain policies can lower this further."`
	SMTP               struct {
		Enabled         bool
		Port            int  `sconf:"optional" sconf-doc:"Default 25."`
		NoSTARTTLS      bool `sconf:"optional" sconf-doc:"Do not offer STARTTLS to secure the connection. Not recommended."`
		RequireSTARTTLS bool `sconf:"optional" sconf-doc:"Do not accept incoming messages if STARTTLS is not active. A remote SMTP server may not support TLS and may not be able to deliver messages."`
	} `sconf:"optional" sconf-doc:"SMTP for receiving email from other mail servers and trusted relays."`
	Submission struct {
		Enabled           bool
		Port              int  `sconf:"optional" sconf-doc:"Default 587."`
		NoRequireSTARTTLS bool `sconf:"optional" sconf-doc:"Do not require STARTTLS before AUTH. Since users must login, this means passwords may be sent without encryption. Not recommended."`
	} `sconf:"optional" sconf-doc:"SMTP for submitting email by authenticated users. Starts out in plain text, can be upgraded to TLS with the STARTTLS command."`
	MetricsHTTP struct {
		Enabled bool
		Port    int `sconf:"optional" sconf-doc:"Default 8010."`
	} `sconf:"optional" sconf-doc:"Serve prometheus metrics, for monitoring. You should not enable this on a public IP."`
}

// TLS configuration for a listener.
type TLS struct {
	KeyCerts []struct {
		CertFile string `sconf-doc:"Certificate including intermediate CA certificates, in PEM format."`
		KeyFile  string `sconf-doc:"Private key for certificate, in PEM format. PKCS8 is recommended, but PKCS1 and EC private keys are recognized as well."`
	} `sconf-doc:"Certificates and keys used for STARTTLS. The first certificate is used as fallback when SNI does not match any certificate."`
	MinVersion string `sconf:"optional" sconf-doc:"Minimum TLS version. Default: TLSv1.2."`

	Config *tls.Config `sconf:"-" json:"-"` // TLS config for the listener, set when parsing.
}
