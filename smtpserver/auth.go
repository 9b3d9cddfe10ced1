package smtpserver

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/oonrumail/smtpd/auth"
	"github.com/oonrumail/smtpd/metrics"
	"github.com/oonrumail/smtpd/mlog"
	"github.com/oonrumail/smtpd/smtp"
	"github.com/oonrumail/smtpd/store"
)

// cmdAuth handles the AUTH command, RFC 4954. Only the PLAIN and LOGIN
// mechanisms are implemented, and only on submission, with the channel
// secured unless the listener explicitly allows plain text.
func (c *conn) cmdAuth(p *parser) {
	c.xneedHello()

	if !c.submission {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "authentication only allowed on submission ports")
	}
	if c.account != nil {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "already authenticated")
	}
	if c.mailFrom != nil {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "authentication not allowed during mail transaction")
	}

	// For many failed auth attempts, slow down verification attempts.
	// Dropping the connection could also work, but we already have a
	// connection rate limiter.
	if c.authFailed > 3 && authFailDelay > 0 {
		c.server.sleep(time.Duration(c.authFailed-3) * authFailDelay)
	}
	c.authFailed++ // Compensated on success.
	defer func() {
		// On the 3rd failed authentication, start responding slowly. Successful
		// auth will cause fast responses again.
		if c.authFailed >= 3 {
			c.setSlow(true)
		}
	}()

	ctx := context.WithValue(c.server.ctx, mlog.CidKey, c.cid)

	var authVariant string
	var authEmail string
	authResult := store.AuthError
	defer func() {
		metrics.AuthenticationInc(c.kind(), authVariant, string(authResult))

		email := authEmail
		if email == "" {
			email = "-"
		}
		authMech := authVariant
		if authMech != "plain" && authMech != "login" {
			authMech = "(unrecognized)"
		}
		var state *tls.ConnectionState
		if tc, ok := c.conn.(*tls.Conn); ok {
			cs := tc.ConnectionState()
			state = &cs
		}
		c.server.store.LoginAttemptAdd(ctx, c.log, store.LoginAttempt{
			AccountEmail: email,
			RemoteIP:     c.remoteIP.String(),
			LocalIP:      c.localIP.String(),
			TLS:          store.LoginAttemptTLS(state),
			Protocol:     c.kind(),
			AuthMech:     authMech,
			Result:       authResult,
		})
	}()

	p.xspace()
	mech := p.xsaslMech()

	// Clients must secure the channel before sending credentials. The EHLO
	// response only mentions AUTH mechanisms once TLS is active.
	if !c.tls && c.requireTLSForAuth {
		xsmtpUserErrorf(smtp.C523EncReq, smtp.SePol7EncNeeded10, "authentication requires tls")
	}

	// Read the first parameter, either as initial parameter or by sending a
	// continuation with the optional encChal (must already be base64-encoded).
	xreadInitial := func(encChal string) []byte {
		var auth string
		if p.empty() {
			c.writelinef("%d %s", smtp.C334ContinueAuth, encChal)
			auth = c.readline()
			if auth == "*" {
				authResult = store.AuthAborted
				xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeProto5Other0, "authentication aborted")
			}
		} else {
			p.xspace()
			// Windows Mail 16005.14326.21606.0 sends two spaces between
			// "AUTH PLAIN" and the base64 data.
			for p.space() {
			}
			auth = p.remainder()
			if auth == "" {
				xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeProto5Syntax2, "missing initial auth base64 parameter after space")
			} else if auth == "=" {
				auth = "" // Base64 decode below will result in empty buffer.
			}
		}
		buf, err := base64.StdEncoding.DecodeString(auth)
		if err != nil {
			xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeProto5Syntax2, "invalid base64: %s", err)
		}
		return buf
	}

	xreadContinuation := func() []byte {
		line := c.readline()
		if line == "*" {
			authResult = store.AuthAborted
			xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeProto5Other0, "authentication aborted")
		}
		buf, err := base64.StdEncoding.DecodeString(line)
		if err != nil {
			xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeProto5Syntax2, "invalid base64: %s", err)
		}
		return buf
	}

	xverify := func(email, password string) {
		authEmail = email
		acc, err := c.server.auth.Verify(ctx, email, password, c.remoteIP)
		if err == nil {
			authResult = store.AuthSuccess
			c.username = acc.Email
			c.account = &acc
			c.authFailed = 0
			c.setSlow(false)
			c.log.Info("authentication succeeded", slog.String("address", acc.Email))
			c.writecodeline(smtp.C235AuthSuccess, smtp.SePol7Other0, "nice", nil)
			return
		}

		// Usernames and passwords are not logged in the clear, only a masked
		// form of the claimed address.
		c.log.Infox("failed authentication attempt", err,
			slog.String("address", auth.MaskAddress(email)),
			slog.Any("remote", c.remoteIP))

		switch {
		case errors.Is(err, auth.ErrRateLimited):
			authResult = store.AuthRateLimited
			xsmtpUserErrorf(smtp.C421ServiceUnavail, smtp.SePol7Other0, "too many failed attempts, slow down")
		case errors.Is(err, auth.ErrAccountLocked):
			authResult = store.AuthLocked
		case errors.Is(err, auth.ErrAccountDisabled):
			authResult = store.AuthLoginDisabled
		case errors.Is(err, auth.ErrNoPassword), errors.Is(err, auth.ErrCredentials):
			authResult = store.AuthBadCredentials
		default:
			authResult = store.AuthError
			xsmtpErrorf(smtp.C454TempAuthFail, smtp.SeSys3Other0, false, "error verifying credentials")
		}
		// One generic response for all credential-style failures, so a remote
		// cannot probe which addresses exist or are locked.
		xsmtpUserErrorf(smtp.C535AuthBadCreds, smtp.SePol7AuthBadCreds8, "authentication failed")
	}

	switch mech {
	case "PLAIN":
		authVariant = "plain"

		// Password is in line in plain text, so hide it.
		defer c.xtrace(mlog.LevelTraceauth)()
		buf := xreadInitial("")
		authc, password, err := auth.ParsePlain(buf)
		if err != nil {
			xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeProto5BadParams4, "malformed plain auth parameter: %s", err)
		}
		xverify(authc, password)

	case "LOGIN":
		// Obsolete mechanism, but still used by legacy clients.
		authVariant = "login"

		defer c.xtrace(mlog.LevelTraceauth)()
		var e auth.LoginExchange
		buf := xreadInitial(base64.StdEncoding.EncodeToString([]byte(e.Challenge())))
		for {
			if err := e.Respond(buf); err != nil {
				xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeProto5BadParams4, "login exchange: %s", err)
			}
			if e.Step == auth.LoginComplete {
				break
			}
			c.writelinef("%d %s", smtp.C334ContinueAuth, base64.StdEncoding.EncodeToString([]byte(e.Challenge())))
			buf = xreadContinuation()
		}
		xverify(e.Username, e.Password)

	default:
		authVariant = strings.ToLower(mech)
		xsmtpUserErrorf(smtp.C504ParamNotImpl, smtp.SeProto5BadParams4, "mechanism %s not supported", mech)
	}
}
