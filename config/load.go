package config

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/mjl-/sconf"

	"github.com/oonrumail/smtpd/dns"
)

// Load reads and parses the configuration file at path, and validates and
// prepares derived fields such as parsed domains, trusted networks and TLS
// configs. Relative paths in the config are resolved against the directory
// of the config file.
func Load(path string) (*Config, error) {
	var c Config
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %v", err)
	}
	defer f.Close()
	if err := sconf.Parse(f, &c); err != nil {
		return nil, fmt.Errorf("parsing %s: %v", path, err)
	}
	if err := c.prepare(path); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) prepare(configFile string) error {
	if c.DataDir == "" {
		return fmt.Errorf("DataDir must be set")
	}
	c.DataDir = configDirPath(configFile, c.DataDir)

	hostname, err := dns.ParseDomain(c.Hostname)
	if err != nil {
		return fmt.Errorf("parsing hostname %q: %v", c.Hostname, err)
	}
	c.HostnameDomain = hostname

	for _, s := range c.TrustedNetworks {
		_, ipnet, err := net.ParseCIDR(s)
		if err != nil {
			return fmt.Errorf("parsing trusted network %q: %v", s, err)
		}
		c.TrustedNets = append(c.TrustedNets, ipnet)
	}

	if c.Auth.MaxFailedAttempts == 0 {
		c.Auth.MaxFailedAttempts = 5
	}
	if c.Auth.FailureWindow == 0 {
		c.Auth.FailureWindow = 15 * time.Minute
	}
	if c.DSN.Localpart == "" {
		c.DSN.Localpart = "MAILER-DAEMON"
	}

	if len(c.Listeners) == 0 {
		return fmt.Errorf("no listeners configured")
	}
	for name, l := range c.Listeners {
		if l.Hostname == "" {
			l.HostnameDomain = c.HostnameDomain
		} else {
			d, err := dns.ParseDomain(l.Hostname)
			if err != nil {
				return fmt.Errorf("listener %q: parsing hostname %q: %v", name, l.Hostname, err)
			}
			l.HostnameDomain = d
		}
		if len(l.IPs) == 0 {
			return fmt.Errorf("listener %q: no IPs configured", name)
		}
		for _, ip := range l.IPs {
			if net.ParseIP(ip) == nil {
				return fmt.Errorf("listener %q: invalid IP %q", name, ip)
			}
		}
		if l.SMTPMaxMessageSize == 0 {
			l.SMTPMaxMessageSize = DefaultMaxMsgSize
		}
		if l.TLS != nil {
			if err := loadTLSKeyCerts(configFile, "listener "+name, l.TLS); err != nil {
				return err
			}
		}
		if l.SMTP.Enabled && l.SMTP.RequireSTARTTLS && (l.TLS == nil || l.SMTP.NoSTARTTLS) {
			return fmt.Errorf("listener %q: RequireSTARTTLS requires a TLS config and STARTTLS enabled", name)
		}
		if l.Submission.Enabled && !l.Submission.NoRequireSTARTTLS && l.TLS == nil {
			return fmt.Errorf("listener %q: submission requires a TLS config, or set NoRequireSTARTTLS", name)
		}
		c.Listeners[name] = l
	}
	return nil
}

// IsTrusted returns whether ip is in one of the configured trusted networks.
func (c *Config) IsTrusted(ip net.IP) bool {
	for _, ipnet := range c.TrustedNets {
		if ipnet.Contains(ip) {
			return true
		}
	}
	return false
}

// configDirPath returns the path to the file relative to the directory of the
// config file. If path is absolute, it is returned unchanged.
func configDirPath(configFile, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(filepath.Dir(configFile), path)
}

func loadTLSKeyCerts(configFile, kind string, ctls *TLS) error {
	certs := []tls.Certificate{}
	for _, kp := range ctls.KeyCerts {
		certPath := configDirPath(configFile, kp.CertFile)
		keyPath := configDirPath(configFile, kp.KeyFile)
		cert, err := loadX509KeyPair(certPath, keyPath)
		if err != nil {
			return fmt.Errorf("tls config for %q: %v", kind, err)
		}
		certs = append(certs, cert)
	}
	minVersion := uint16(tls.VersionTLS12)
	switch ctls.MinVersion {
	case "", "TLSv1.2":
	case "TLSv1.3":
		minVersion = tls.VersionTLS13
	default:
		return fmt.Errorf("tls config for %q: unknown minimum version %q", kind, ctls.MinVersion)
	}
	ctls.Config = &tls.Config{
		Certificates: certs,
		MinVersion:   minVersion,
	}
	return nil
}

func loadX509KeyPair(certPath, keyPath string) (tls.Certificate, error) {
	certBuf, err := os.ReadFile(certPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("reading tls certificate: %v", err)
	}
	keyBuf, err := os.ReadFile(keyPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("reading tls key: %v", err)
	}
	cert, err := tls.X509KeyPair(certBuf, keyBuf)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parsing x509 key pair: %v", err)
	}
	return cert, nil
}
