package smtpserver

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/textproto"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/oonrumail/smtpd/config"
	"github.com/oonrumail/smtpd/dkim"
	"github.com/oonrumail/smtpd/dmarc"
	"github.com/oonrumail/smtpd/dns"
	"github.com/oonrumail/smtpd/mailio"
	"github.com/oonrumail/smtpd/message"
	"github.com/oonrumail/smtpd/metrics"
	"github.com/oonrumail/smtpd/mlog"
	"github.com/oonrumail/smtpd/queue"
	"github.com/oonrumail/smtpd/smtp"
	"github.com/oonrumail/smtpd/spf"
	"github.com/oonrumail/smtpd/store"
)

func (c *conn) cmdData(p *parser) {
	c.xneedHello()
	c.xcheckAuth()
	if c.mailFrom == nil {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "missing MAIL FROM")
	}
	if len(c.recipients) == 0 {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "missing RCPT TO")
	}

	p.xend()

	// Entire delivery should be done within 30 minutes, or we abort.
	cidctx := context.WithValue(c.server.ctx, mlog.CidKey, c.cid)
	cmdctx, cmdcancel := context.WithTimeout(cidctx, 30*time.Minute)
	defer cmdcancel()
	// Deadline is taken into account by Read and Write.
	c.deadline, _ = cmdctx.Deadline()
	defer func() {
		c.deadline = time.Time{}
	}()

	c.writelinef("354 see you at the bare dot")

	// Mark as tracedata.
	defer c.xtrace(mlog.LevelTracedata)()

	// Domain policies can lower the maximum message size below the listener
	// limit.
	maxSize := c.maxMessageSize
	for _, rcpt := range c.recipients {
		if rcpt.domain != nil && rcpt.domain.Policies.MaxMessageSize > 0 && rcpt.domain.Policies.MaxMessageSize < maxSize {
			maxSize = rcpt.domain.Policies.MaxMessageSize
		}
	}

	// We read the data into a temporary file. We limit the size and do basic
	// analysis while reading.
	dataFile, err := os.CreateTemp("", "smtpd-deliver")
	if err != nil {
		xsmtpServerErrorf(codes{smtp.C451LocalErr, smtp.SeSys3Other0}, "creating temporary file for message: %s", err)
	}
	defer func() {
		name := dataFile.Name()
		err := dataFile.Close()
		c.log.Check(err, "closing temporary message file")
		err = os.Remove(name)
		c.log.Check(err, "removing temporary message file", slog.String("path", name))
	}()
	msgWriter := message.NewWriter(dataFile)
	dr := smtp.NewDataReader(c.r)
	n, err := io.Copy(&limitWriter{maxSize: maxSize, w: msgWriter}, dr)
	c.xtrace(mlog.LevelTrace) // Restore.
	if err != nil {
		if errors.Is(err, errMessageTooLarge) {
			ecode := smtp.SeSys3MsgLimitExceeded4
			if n < config.DefaultMaxMsgSize {
				ecode = smtp.SeMailbox2MsgLimitExceeded3
			}
			c.writecodeline(smtp.C451LocalErr, ecode, fmt.Sprintf("error copying data to file (%x)", c.cid), err)
			panic(fmt.Errorf("remote sent too much DATA: %w", errIO))
		}

		if errors.Is(err, smtp.ErrCRLF) {
			c.writecodeline(smtp.C500BadSyntax, smtp.SeProto5Syntax2, fmt.Sprintf("invalid bare \\r or \\n, may be smtp smuggling (%x)", c.cid), err)
			return
		}

		// Something is failing on our side. We want to let remote know. So write
		// an error response, then discard the remaining data so the remote
		// client is more likely to see our response. Our write is synchronous,
		// there is a risk no window/buffer space is available and our write
		// blocks us from reading remaining data, leading to deadlock. We have a
		// timeout on our connection writes though, so worst case we'll abort the
		// connection due to expiration.
		c.writecodeline(smtp.C451LocalErr, smtp.SeSys3Other0, fmt.Sprintf("error copying data to file (%x)", c.cid), err)
		io.Copy(io.Discard, dr)
		return
	}

	// Basic sanity checks on messages before we send them out to the world.
	// Just trying to be strict in what we do to others and liberal in what we
	// accept.
	if c.submission && !msgWriter.HaveBody {
		xsmtpUserErrorf(smtp.C554TransactionFailed, smtp.SeMsg6Other0, "message requires both header and body section")
	}

	data, err := io.ReadAll(&mailio.AtReader{R: dataFile})
	xcheckf(err, "reading message data")

	// Prepare "Received" header.
	var recvFrom string
	if c.submission {
		// Hide the submitting client, our hostname is in the from clause.
		recvFrom = c.hostname.XName(c.msgsmtputf8)
	} else {
		if len(c.hello.IP) > 0 {
			recvFrom = smtp.AddressLiteral(c.hello.IP)
		} else {
			recvFrom = c.hello.Domain.XName(c.msgsmtputf8)
		}
		recvFrom += " (" + smtp.AddressLiteral(c.remoteIP) + ")"
		if c.msgsmtputf8 && c.hello.Domain.Unicode != "" {
			recvFrom += " (" + c.hello.Domain.ASCII + ")"
		}
	}
	recvBy := c.hostname.XName(c.msgsmtputf8)
	recvBy += " (" + smtp.AddressLiteral(c.localIP) + ")"

	with := "SMTP"
	if c.msgsmtputf8 {
		with = "UTF8SMTP"
	} else if c.ehlo {
		with = "ESMTP"
	}
	if c.tls {
		with += "S"
	}
	if c.account != nil {
		with += "A"
	}

	// Assume transaction does not succeed. If it does, we'll compensate.
	c.transactionBad++

	recvHdrFor := func(rcptTo string) string {
		recvHdr := &message.HeaderWriter{}
		recvHdr.Add(" ", "Received:", "from", recvFrom, "by", recvBy, "via", "tcp", "with", with, "id", fmt.Sprintf("%x", c.cid))
		if c.tls {
			tlsversion, ciphersuite := mailio.TLSInfo(c.conn.(*tls.Conn).ConnectionState())
			recvHdr.Add(" ", "("+tlsversion, ciphersuite+")")
		}
		// We leave out an empty "for" clause for messages to multiple
		// recipients, so the message stays identical and a single smtp
		// transaction can deliver, only transferring the data once.
		if rcptTo != "" {
			recvHdr.Add(" ", "for", "<"+rcptTo+">;")
		}
		recvHdr.Add(" ", time.Now().Format(message.RFC5322Z))
		return recvHdr.String()
	}

	// Messages from authenticated users and trusted relays skip the inbound
	// verification checks. Handle them first, and leave the rest of the
	// function for handling wild west internet traffic.
	if c.account != nil || c.trustedNet {
		c.submit(cmdctx, recvHdrFor, msgWriter, dataFile, data)
	} else {
		c.deliver(cmdctx, recvHdrFor, msgWriter, dataFile, data)
	}
}

// messageHeader parses the header section of a message. Messages without a
// header/body separator are parsed in full.
func messageHeader(data []byte) ([]byte, textproto.MIMEHeader, error) {
	hdrs, err := message.ReadHeaders(bufio.NewReader(bytes.NewReader(data)))
	if err == message.ErrHeaderSeparator {
		hdrs = data
	} else if err != nil {
		return nil, nil, err
	}
	tr := textproto.NewReader(bufio.NewReader(io.MultiReader(bytes.NewReader(hdrs), strings.NewReader("\r\n"))))
	h, err := tr.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return nil, nil, err
	}
	return hdrs, h, nil
}

// deliveryGroup is one queue message in the making: all final recipients at
// one destination domain.
type deliveryGroup struct {
	domain     dns.IPDomain
	external   bool
	recipients []string
}

// groupRecipients splits the resolved final recipients of the transaction by
// destination domain, one group per hosted domain and one per external
// destination domain, preserving recipient order.
func (c *conn) groupRecipients(ctx context.Context) []deliveryGroup {
	groups := map[string]*deliveryGroup{}
	var order []string
	add := func(addr string) {
		_, domstr, found := strings.Cut(addr, "@")
		if !found {
			c.log.Error("dropping recipient address without domain", slog.String("address", addr))
			return
		}
		dom, err := dns.ParseDomain(strings.ToLower(domstr))
		if err != nil {
			c.log.Errorx("parsing recipient domain", err, slog.String("address", addr))
			return
		}
		_, hosted := c.server.domains.Get(ctx, dom.ASCII)
		key := "local " + dom.ASCII
		if !hosted {
			key = "external " + dom.ASCII
		}
		g := groups[key]
		if g == nil {
			g = &deliveryGroup{domain: dns.IPDomain{Domain: dom}, external: !hosted}
			groups[key] = g
			order = append(order, key)
		}
		if !slices.Contains(g.recipients, addr) {
			g.recipients = append(g.recipients, addr)
		}
	}
	for _, rcpt := range c.recipients {
		if rcpt.result != nil {
			for _, addr := range rcpt.result.FinalRecipients {
				add(addr)
			}
		} else {
			add(store.CanonicalAddress(string(rcpt.addr.Localpart), rcpt.addr.IPDomain.Domain.ASCII))
		}
	}
	l := make([]deliveryGroup, 0, len(order))
	for _, k := range order {
		l = append(l, *groups[k])
	}
	return l
}

// queueGroups enqueues one message per delivery group, each with its own
// generated headers (extra is placed below the Received header), sharing the
// message data.
func (c *conn) queueGroups(ctx context.Context, groups []deliveryGroup, recvHdrFor func(string) string, extra []byte, msgWriter *message.Writer, dataFile *os.File, messageID string) error {
	var qml []queue.Msg
	for _, g := range groups {
		var rcptTo string
		if len(g.recipients) == 1 {
			rcptTo = g.recipients[0]
		}
		prefix := []byte(recvHdrFor(rcptTo))
		if g.external {
			// For downstream MTA routing.
			prefix = append(prefix, []byte("X-Target-Domain: "+g.domain.Domain.ASCII+"\r\n")...)
		}
		prefix = append(prefix, extra...)

		qm := queue.MakeMsg(*c.mailFrom, g.domain, g.recipients, c.has8bitmime || msgWriter.Has8bit, c.msgsmtputf8, int64(len(prefix))+msgWriter.Size, messageID, prefix)
		qm.OrgID = c.mailFromOrg
		if g.external {
			qm.External = true
			qm.TargetDomain = g.domain.Domain.ASCII
		}
		qml = append(qml, qm)
	}
	return c.server.queue.Add(ctx, c.log, dataFile, qml...)
}

// synthesizeHeaders returns the message id from the Message-ID header, or
// generates one, along with header lines to prepend for missing Message-ID
// and Date headers. DSNs and replies reference the message id, so every
// queued message gets one.
func (c *conn) synthesizeHeaders(h textproto.MIMEHeader) (messageID string, extra []byte) {
	if h != nil {
		messageID = strings.Trim(h.Get("Message-Id"), "<> \t")
	}
	if messageID == "" {
		messageID = message.MessageIDGen(c.hostname.ASCII)
		extra = append(extra, []byte("Message-ID: <"+messageID+">\r\n")...)
	}
	if h == nil || h.Get("Date") == "" {
		extra = append(extra, []byte("Date: "+time.Now().Format(message.RFC5322Z)+"\r\n")...)
	}
	return messageID, extra
}

// submit queues a message from an authenticated user or trusted relay,
// signing it for verified sender domains.
func (c *conn) submit(ctx context.Context, recvHdrFor func(string) string, msgWriter *message.Writer, dataFile *os.File, data []byte) {
	_, h, err := messageHeader(data)
	if err != nil {
		metricSubmission.WithLabelValues("badmessage").Inc()
		xsmtpUserErrorf(smtp.C554TransactionFailed, smtp.SeMsg6Other0, "malformed message header: %s", err)
	}

	messageID, extra := c.synthesizeHeaders(h)

	sdom, hosted := c.server.domains.Get(ctx, c.mailFrom.IPDomain.Domain.ASCII)
	if hosted && c.mailFromOrg == 0 {
		c.mailFromOrg = sdom.OrgID
	}

	// Sign for domains with verified DKIM DNS records. Signing failures don't
	// block delivery, the message goes out unsigned.
	if hosted && sdom.DKIMVerified && c.server.dkimSigner != nil {
		msg := data
		if len(extra) > 0 {
			msg = append(bytes.Clone(extra), data...)
		}
		signed, err := c.server.dkimSigner.Sign(ctx, c.mailFrom.IPDomain.Domain, msg)
		if err != nil {
			metricServerErrors.WithLabelValues("dkimsign").Inc()
			c.log.Errorx("dkim signing message", err, slog.Any("domain", c.mailFrom.IPDomain.Domain))
		} else if len(signed) > len(msg) {
			sigHdr := bytes.Clone(signed[:len(signed)-len(msg)])
			extra = append(sigHdr, extra...)
		}
	}

	groups := c.groupRecipients(ctx)
	if err := c.queueGroups(ctx, groups, recvHdrFor, extra, msgWriter, dataFile, messageID); err != nil {
		metricSubmission.WithLabelValues("queueerror").Inc()
		c.log.Errorx("adding messages to queue", err)
		xsmtpServerErrorf(codes{smtp.C451LocalErr, smtp.SeSys3Other0}, "error processing")
	}

	metricSubmission.WithLabelValues("ok").Inc()
	dom := c.mailFrom.IPDomain.Domain.Name()
	metrics.MessageReceivedInc(dom)
	metrics.MessageSizeObserve(dom, msgWriter.Size)
	metrics.DeliveryDurationObserve(dom, "accept", time.Since(c.cmdStart).Seconds())
	c.log.Info("message submitted",
		slog.String("mailfrom", c.mailFrom.LogString()),
		slog.Int("queuemsgs", len(groups)),
		slog.Int64("size", msgWriter.Size))

	c.transactionGood++
	c.transactionBad-- // Compensate pre-adjustment.
	c.rset()
	c.writecodeline(smtp.C250Completed, smtp.SeOther00, fmt.Sprintf("it is done (%x)", c.cid), nil)
}

// deliver runs the SPF/DKIM/DMARC checks on an untrusted inbound message,
// prepends the Authentication-Results header and queues for the local
// recipients when the DMARC disposition allows it.
func (c *conn) deliver(ctx context.Context, recvHdrFor func(string) string, msgWriter *message.Writer, dataFile *os.File, data []byte) {
	hdrs, h, err := messageHeader(data)
	if err != nil {
		c.log.Debugx("parsing message header", err)
	}
	messageID, synth := c.synthesizeHeaders(h)

	mailFromDomain := c.mailFrom.IPDomain.Domain

	// SPF. With a null reverse-path, the verifier evaluates the EHLO domain.
	spfStatus := spf.StatusNone
	var spfDomain dns.Domain
	if c.server.spfVerifier != nil {
		status, dom, err := c.server.spfVerifier.Verify(ctx, spf.Args{
			RemoteIP:       c.remoteIP,
			MailFromDomain: mailFromDomain,
			HelloDomain:    c.hello,
		})
		if err != nil {
			// Inconclusive, the status already reflects temperror/permerror.
			c.log.Infox("spf verification", err)
		}
		spfStatus = status
		spfDomain = dom
		metrics.AuthCheckInc("spf", spfDomain.Name(), string(spfStatus))
	}

	// DKIM, one result per signature.
	var dkimResults []dkim.Result
	if c.server.dkimVerifier != nil {
		results, err := c.server.dkimVerifier.Verify(ctx, data)
		if err != nil {
			c.log.Infox("dkim verification", err)
		}
		dkimResults = results
		for _, r := range results {
			metrics.AuthCheckInc("dkim", r.Domain.Name(), string(r.Status))
		}
	}

	// DMARC, for the domain in the message From header.
	var fromDomain dns.Domain
	dmarcResult := dmarc.Result{Status: dmarc.StatusNone, Disposition: dmarc.DispositionNone}
	if c.server.dmarcVerifier != nil {
		fromAddr, err := message.ParseHeaderFrom(hdrs)
		if err != nil {
			c.log.Debugx("parsing message from header for dmarc", err)
			dmarcResult.Status = dmarc.StatusPermerror
		} else {
			fromDomain = fromAddr.Domain
			res, err := c.server.dmarcVerifier.Verify(ctx, dmarc.Args{
				FromDomain:  fromDomain,
				RemoteIP:    c.remoteIP,
				SPFStatus:   spfStatus,
				SPFDomain:   spfDomain,
				DKIMResults: dkimResults,
			})
			if err != nil {
				c.log.Infox("dmarc verification", err)
			}
			dmarcResult = res
			metrics.AuthCheckInc("dmarc", fromDomain.Name(), string(res.Status))
		}
	}

	// The Authentication-Results header has a fixed clause order: our
	// hostname, spf, one dkim clause per signature, dmarc.
	authResults := message.AuthResults{
		Hostname: c.hostname.XName(c.msgsmtputf8),
	}
	authResults.Methods = append(authResults.Methods, message.AuthMethod{
		Method: "spf",
		Result: string(spfStatus),
		Props: []message.AuthProp{
			message.MakeAuthProp("smtp", "mailfrom", c.mailFrom.XString(c.msgsmtputf8), true, c.mailFrom.ASCIIExtra(c.msgsmtputf8)),
		},
	})
	if len(dkimResults) == 0 {
		authResults.Methods = append(authResults.Methods, message.AuthMethod{
			Method: "dkim",
			Result: string(dkim.StatusNone),
			Comment: "no signatures",
		})
	}
	for _, r := range dkimResults {
		m := message.AuthMethod{
			Method: "dkim",
			Result: string(r.Status),
			Props: []message.AuthProp{
				message.MakeAuthProp("header", "d", r.Domain.XName(c.msgsmtputf8), true, r.Domain.ASCIIExtra(c.msgsmtputf8)),
				message.MakeAuthProp("header", "s", r.Selector, false, ""),
			},
		}
		if r.Err != nil {
			m.Comment = r.Err.Error()
		}
		authResults.Methods = append(authResults.Methods, m)
	}
	dmarcMethod := message.AuthMethod{
		Method: "dmarc",
		Result: string(dmarcResult.Status),
	}
	if !fromDomain.IsZero() {
		dmarcMethod.Props = []message.AuthProp{
			message.MakeAuthProp("header", "from", fromDomain.ASCII, true, fromDomain.ASCIIExtra(c.msgsmtputf8)),
		}
	}
	authResults.Methods = append(authResults.Methods, dmarcMethod)

	switch dmarcResult.Disposition {
	case dmarc.DispositionReject:
		metricDelivery.WithLabelValues("reject", "dmarcpolicy").Inc()
		metrics.MessageRejectedInc(fromDomain.Name(), "dmarc")
		c.log.Info("rejecting message per dmarc policy", slog.Any("fromdomain", fromDomain))
		xsmtpUserErrorf(smtp.C550MailboxUnavail, smtp.SePol7DeliveryUnauth1, "rejected per dmarc policy of sender domain")
	case dmarc.DispositionQuarantine:
		// Accepted, the disposition is visible in the Authentication-Results
		// header for downstream filtering.
		c.log.Info("accepting message for quarantine per dmarc policy", slog.Any("fromdomain", fromDomain))
	}

	groups := c.groupRecipients(ctx)
	extra := append([]byte(authResults.Header()), synth...)
	if err := c.queueGroups(ctx, groups, recvHdrFor, extra, msgWriter, dataFile, messageID); err != nil {
		metricDelivery.WithLabelValues("error", "queue").Inc()
		c.log.Errorx("adding messages to queue", err)
		xsmtpServerErrorf(codes{smtp.C451LocalErr, smtp.SeSys3Other0}, "error processing")
	}

	metricDelivery.WithLabelValues("delivered", "ok").Inc()
	dom := mailFromDomain.Name()
	metrics.MessageReceivedInc(dom)
	metrics.MessageSizeObserve(dom, msgWriter.Size)
	metrics.DeliveryDurationObserve(dom, "accept", time.Since(c.cmdStart).Seconds())
	c.log.Info("message delivered to queue",
		slog.String("mailfrom", c.mailFrom.LogString()),
		slog.Int("queuemsgs", len(groups)),
		slog.Int64("size", msgWriter.Size))

	c.transactionGood++
	c.transactionBad-- // Compensate pre-adjustment.
	c.rset()
	c.writecodeline(smtp.C250Completed, smtp.SeOther00, fmt.Sprintf("it is done (%x)", c.cid), nil)
}
