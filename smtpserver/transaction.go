package smtpserver

import (
	"context"
	"log/slog"
	"slices"
	"strings"

	"github.com/mjl-/bstore"

	"github.com/oonrumail/smtpd/config"
	"github.com/oonrumail/smtpd/mlog"
	"github.com/oonrumail/smtpd/smtp"
	"github.com/oonrumail/smtpd/store"
)

func (c *conn) cmdMail(p *parser) {
	if c.transactionBad > 10 && c.transactionGood == 0 {
		// If we get many bad transactions, it's probably a spammer that is
		// guessing user names. Useful in combination with rate limiting.
		c.writecodeline(smtp.C550MailboxUnavail, smtp.SeAddr1Other0, "too many failures", nil)
		panic(errIO)
	}

	c.xneedHello()
	c.xcheckAuth()
	c.xneedTLSForDelivery()
	if c.mailFrom != nil {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "already have MAIL")
	}
	// Ensure clear transaction state on failure.
	defer func() {
		x := recover()
		if x != nil {
			c.rset()
			panic(x)
		}
	}()
	p.xtake(" FROM:")
	// Strictly no space is allowed after the colon, but Microsoft Outlook 365
	// Apps for Enterprise sends one with submission. For delivery it is mostly
	// used by spammers, but has been seen with legitimate senders too.
	p.space()
	rawRevPath := p.xrawReversePath()
	paramSeen := map[string]bool{}
	for p.space() {
		key := p.xparamKeyword()

		K := strings.ToUpper(key)
		if paramSeen[K] {
			xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeProto5BadParams4, "duplicate param %q", key)
		}
		paramSeen[K] = true

		switch K {
		case "SIZE":
			p.xtake("=")
			size := p.xnumber(20)
			if size > c.maxMessageSize {
				ecode := smtp.SeSys3MsgLimitExceeded4
				if size < config.DefaultMaxMsgSize {
					ecode = smtp.SeMailbox2MsgLimitExceeded3
				}
				xsmtpUserErrorf(smtp.C552MailboxFull, ecode, "message too large")
			}
			// We won't verify the message is exactly the size the remote claims.
			// But if it is larger, we'll abort the transaction when remote
			// crosses the boundary.
		case "BODY":
			p.xtake("=")
			v := p.xparamValue()
			switch strings.ToUpper(v) {
			case "7BIT":
				c.has8bitmime = false
			case "8BITMIME":
				c.has8bitmime = true
			default:
				xsmtpUserErrorf(smtp.C555UnrecognizedAddrParams, smtp.SeProto5BadParams4, "unrecognized parameter %q", key)
			}
		case "AUTH":
			// We act as if we don't trust the client to specify a mailbox.
			// Instead, we always check the authenticated account against the
			// reverse path below.
			p.xtake("=")
			p.xtake("<")
			p.xtext()
			p.xtake(">")
		case "SMTPUTF8":
			c.smtputf8 = true
			c.msgsmtputf8 = true
		default:
			xsmtpUserErrorf(smtp.C555UnrecognizedAddrParams, smtp.SeSys3NotSupported3, "unrecognized parameter %q", key)
		}
	}

	// We now know if we have to parse the address with support for utf8.
	pp := newParser(rawRevPath, c.smtputf8, c)
	rpath := pp.xbareReversePath()
	pp.xempty()
	pp = nil
	p.xend()

	ctx := context.WithValue(c.server.ctx, mlog.CidKey, c.cid)

	// For submission, check if the reverse path is allowed for the
	// authenticated account: the account's own address, or an address the
	// account has send-as permission for.
	rpathAllowed := func() bool {
		if rpath.IsZero() {
			return true
		}
		if rpath.IPDomain.IsIP() {
			return false
		}
		dom, ok := c.server.domains.Get(ctx, rpath.IPDomain.Domain.ASCII)
		if !ok {
			return false
		}
		c.mailFromOrg = dom.OrgID
		perm, err := c.server.store.PermissionFor(ctx, c.account.ID, dom.ID)
		if err == bstore.ErrAbsent {
			return false
		} else if err != nil {
			c.log.Errorx("sender permission lookup", err)
			xsmtpServerErrorf(codes{smtp.C451LocalErr, smtp.SeSys3Other0}, "error processing")
		}
		addr := store.CanonicalAddress(string(rpath.Localpart), rpath.IPDomain.Domain.ASCII)
		if addr == c.account.Email {
			return perm.CanSend || perm.CanSendAs
		}
		if !perm.CanSendAs {
			return false
		}
		// An empty list means any address at the domain.
		return len(perm.AllowedSendAsAddresses) == 0 || slices.Contains(perm.AllowedSendAsAddresses, addr)
	}

	if c.submission && (len(rpath.IPDomain.IP) > 0 || !rpathAllowed()) {
		c.log.Info("submission with unconfigured mailfrom",
			slog.String("user", c.username),
			slog.String("mailfrom", rpath.String()))
		xsmtpUserErrorf(smtp.C550MailboxUnavail, smtp.SePol7DeliveryUnauth1, "must match authenticated user or allowed address")
	} else if !c.submission && len(rpath.IPDomain.IP) > 0 {
		c.log.Info("delivery from address without domain", slog.String("mailfrom", rpath.String()))
		xsmtpUserErrorf(smtp.C550MailboxUnavail, smtp.SePol7Other0, "domain name required")
	}

	c.mailFrom = &rpath

	c.bwritecodeline(smtp.C250Completed, smtp.SeAddr1Other0, "looking good", nil)
}

func (c *conn) cmdRcpt(p *parser) {
	c.xneedHello()
	c.xcheckAuth()
	if c.mailFrom == nil {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "missing MAIL FROM")
	}

	p.xtake(" TO:")
	// Again, no space allowed after the colon, but doesn't hurt to accept it.
	p.space()
	fpath := p.xforwardPath()
	for p.space() {
		key := p.xparamKeyword()
		xsmtpUserErrorf(smtp.C555UnrecognizedAddrParams, smtp.SeSys3NotSupported3, "unrecognized parameter %q", key)
	}
	p.xend()

	if len(c.recipients) >= rcptToLimit {
		xsmtpUserErrorf(smtp.C452StorageFull, smtp.SeProto5TooManyRcpts3, "max of %d recipients reached", rcptToLimit)
	}

	// We don't want to allow delivery to multiple recipients with a null
	// reverse path. Null reverse path is intended for delivery notifications,
	// they should go to a single recipient.
	if !c.submission && len(c.recipients) > 0 && c.mailFrom.IsZero() {
		xsmtpUserErrorf(smtp.C452StorageFull, smtp.SeProto5TooManyRcpts3, "only one recipient allowed with null reverse address")
	}

	if len(fpath.IPDomain.IP) > 0 {
		xsmtpUserErrorf(smtp.C550MailboxUnavail, smtp.SeAddr1UnknownDestMailbox1, "not accepting email for ip")
	}

	ctx := context.WithValue(c.server.ctx, mlog.CidKey, c.cid)
	domName := fpath.IPDomain.Domain.ASCII
	dom, hosted := c.server.domains.Get(ctx, domName)
	if hosted {
		if dom.Policies.RequireTLS && !c.tls {
			xsmtpUserErrorf(smtp.C530SecurityRequired, smtp.SePol7Other0, "STARTTLS required for delivery to this domain")
		}

		addr := store.CanonicalAddress(string(fpath.Localpart), domName)
		res, err := c.server.store.LookupRecipient(ctx, dom, addr)
		if err != nil {
			c.log.Errorx("looking up recipient for delivery", err, slog.Any("rcptto", fpath))
			xsmtpServerErrorf(codes{smtp.C451LocalErr, smtp.SeSys3Other0}, "error processing")
		}
		if !res.Found {
			// A mailbox, alias, distribution list or catch-all, whichever
			// matches first, would have resolved this address.
			if c.submission || dom.Policies.RejectUnknownUsers {
				xsmtpUserErrorf(smtp.C550MailboxUnavail, smtp.SeAddr1UnknownDestMailbox1, "no such user")
			}
			// We accept the message anyway. The delivery process will generate a
			// DSN, so a remote cannot probe which addresses exist during RCPT.
			res.FinalRecipients = []string{addr}
		}
		c.recipients = append(c.recipients, recipient{fpath, &dom, &res})
	} else {
		// Destination domain is not hosted here. Only authenticated users and
		// trusted relays may use us as a relay, and only when the sender
		// domain's policy allows external delivery.
		if c.account == nil && !c.trustedNet {
			xsmtpUserErrorf(smtp.C550MailboxUnavail, smtp.SePol7DeliveryUnauth1, "relay access denied")
		}
		if sdom, ok := c.server.domains.Get(ctx, c.mailFrom.IPDomain.Domain.ASCII); ok && !sdom.Policies.AllowExternalRelay {
			xsmtpUserErrorf(smtp.C550MailboxUnavail, smtp.SePol7DeliveryUnauth1, "external delivery not allowed for sender domain")
		}
		c.recipients = append(c.recipients, recipient{fpath, nil, nil})
	}
	c.bwritecodeline(smtp.C250Completed, smtp.SeAddr1Other0, "now on the list", nil)
}
