// Package smtpserver implements an SMTP server for submission and incoming
// delivery of mail messages.
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
	"math"
	"net"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/maps"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/oonrumail/smtpd/auth"
	"github.com/oonrumail/smtpd/config"
	"github.com/oonrumail/smtpd/dkim"
	"github.com/oonrumail/smtpd/dmarc"
	"github.com/oonrumail/smtpd/dns"
	"github.com/oonrumail/smtpd/mailio"
	"github.com/oonrumail/smtpd/metrics"
	"github.com/oonrumail/smtpd/mlog"
	"github.com/oonrumail/smtpd/queue"
	"github.com/oonrumail/smtpd/ratelimit"
	"github.com/oonrumail/smtpd/smtp"
	"github.com/oonrumail/smtpd/spf"
	"github.com/oonrumail/smtpd/store"
)

// We use panic and recover for error handling while executing commands.
// These errors signal the connection must be closed.
var errIO = errors.New("io error")

var limiterConnectionRate, limiterConnections *ratelimit.Limiter

// Maximum number of RCPT TO commands (i.e. recipients) for a single message
// delivery.
const rcptToLimit = 100

func init() {
	// Also called by tests, so they don't trigger the rate limiter.
	limitersInit()
}

func limitersInit() {
	limiterConnectionRate = &ratelimit.Limiter{
		WindowLimits: []ratelimit.WindowLimit{
			{
				Window: time.Minute,
				Limits: [...]int64{300, 900, 2700},
			},
		},
	}
	limiterConnections = &ratelimit.Limiter{
		WindowLimits: []ratelimit.WindowLimit{
			{
				Window: time.Duration(math.MaxInt64), // All of time.
				Limits: [...]int64{30, 90, 270},
			},
		},
	}
}

var (
	// Delays for bad/suspicious behaviour. Zero during tests.
	badClientDelay = time.Second // Before reads and after 1-byte writes for probably spammers.
	authFailDelay  = time.Second // Response to authentication failure.
)

type codes struct {
	code   int
	secode string // Enhanced code, but without the leading major int from code.
}

var (
	metricConnection = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpd_smtpserver_connection_total",
			Help: "Incoming SMTP connections.",
		},
		[]string{
			"kind", // "smtp" or "submission"
		},
	)
	metricCommands = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smtpd_smtpserver_command_duration_seconds",
			Help:    "SMTP server command duration and result codes in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30, 60, 120},
		},
		[]string{
			"kind", // "smtp" or "submission"
			"cmd",
			"code",
			"ecode",
		},
	)
	metricDelivery = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpd_smtpserver_delivery_total",
			Help: "SMTP incoming message deliveries from external source, not submission. Result values: delivered, reject, quarantine, unknownuser, error.",
			// Reason indicates why a message was rejected/accepted.
		},
		[]string{
			"result",
			"reason",
		},
	)
	metricSubmission = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpd_smtpserver_submission_total",
			Help: "SMTP server incoming submission results, known values (those ending with error are server errors): ok, badmessage, badfrom, queueerror.",
		},
		[]string{
			"result",
		},
	)
	metricServerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpd_smtpserver_errors_total",
			Help: "SMTP server errors, known values: dkimsign, queuedsn.",
		},
		[]string{
			"error",
		},
	)
)

// Verifiers are the message authentication collaborators of a Server. A nil
// field disables the corresponding check or signing, its result becoming
// "none".
type Verifiers struct {
	SPF      spf.Verifier
	DKIM     dkim.Verifier
	DKIMSign dkim.Signer
	DMARC    dmarc.Verifier
}

// Server accepts incoming SMTP connections on the configured listeners,
// delivering accepted messages to the queue.
type Server struct {
	config  *config.Config
	store   *store.Database
	domains *store.DomainCache
	auth    *auth.Authenticator
	queue   *queue.Queue

	spfVerifier   spf.Verifier
	dkimVerifier  dkim.Verifier
	dkimSigner    dkim.Signer
	dmarcVerifier dmarc.Verifier

	ctx       context.Context
	stop      context.CancelFunc
	listeners []net.Listener
	servers   []func()
	conns     sync.WaitGroup
}

// New returns a Server for the listeners in cfg. Call Listen and Serve to
// start accepting connections.
func New(cfg *config.Config, db *store.Database, domains *store.DomainCache, authenticator *auth.Authenticator, q *queue.Queue, v Verifiers) *Server {
	ctx, stop := context.WithCancel(context.Background())
	return &Server{
		config:        cfg,
		store:         db,
		domains:       domains,
		auth:          authenticator,
		queue:         q,
		spfVerifier:   v.SPF,
		dkimVerifier:  v.DKIM,
		dkimSigner:    v.DKIMSign,
		dmarcVerifier: v.DMARC,
		ctx:           ctx,
		stop:          stop,
	}
}

// Listen initializes network listeners for incoming SMTP connections.
// The listeners are stored for a later call to Serve.
func (s *Server) Listen() error {
	names := maps.Keys(s.config.Listeners)
	sort.Strings(names)
	for _, name := range names {
		listener := s.config.Listeners[name]

		var tlsConfig *tls.Config
		if listener.TLS != nil {
			tlsConfig = listener.TLS.Config
		}

		maxMsgSize := listener.SMTPMaxMessageSize
		if maxMsgSize == 0 {
			maxMsgSize = config.DefaultMaxMsgSize
		}

		hostname := s.config.HostnameDomain
		if listener.Hostname != "" {
			hostname = listener.HostnameDomain
		}

		if listener.SMTP.Enabled {
			port := config.Port(listener.SMTP.Port, 25)
			smtpTLSConfig := tlsConfig
			if listener.SMTP.NoSTARTTLS {
				smtpTLSConfig = nil
			}
			for _, ip := range listener.IPs {
				if err := s.listen1("smtp", name, ip, port, hostname, smtpTLSConfig, false, maxMsgSize, false, listener.SMTP.RequireSTARTTLS); err != nil {
					return err
				}
			}
		}
		if listener.Submission.Enabled {
			port := config.Port(listener.Submission.Port, 587)
			for _, ip := range listener.IPs {
				if err := s.listen1("submission", name, ip, port, hostname, tlsConfig, true, maxMsgSize, !listener.Submission.NoRequireSTARTTLS, false); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (s *Server) listen1(protocol, name, ip string, port int, hostname dns.Domain, tlsConfig *tls.Config, submission bool, maxMessageSize int64, requireTLSForAuth, requireTLSForDelivery bool) error {
	log := mlog.New("smtpserver", nil)
	addr := net.JoinHostPort(ip, fmt.Sprintf("%d", port))
	log.Info("listening for smtp",
		slog.String("listener", name),
		slog.String("address", addr),
		slog.String("protocol", protocol))
	network := "tcp4"
	if strings.Contains(ip, ":") {
		network = "tcp6"
	}
	ln, err := net.Listen(network, addr)
	if err != nil {
		return fmt.Errorf("smtp: listen on %s: %v", addr, err)
	}
	s.listeners = append(s.listeners, ln)

	serve := func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if s.ctx.Err() != nil {
					return
				}
				log.Infox("smtp: accept", err, slog.String("protocol", protocol), slog.String("listener", name))
				continue
			}

			s.conns.Add(1)
			go func() {
				defer s.conns.Done()
				s.serve(name, mlog.Cid(), hostname, tlsConfig, conn, submission, maxMessageSize, requireTLSForAuth, requireTLSForDelivery)
			}()
		}
	}

	s.servers = append(s.servers, serve)
	return nil
}

// Serve starts serving on all listeners, launching a goroutine per listener.
func (s *Server) Serve() {
	for _, serve := range s.servers {
		go serve()
	}
}

// Shutdown stops accepting new connections and waits for open connections to
// finish, up to the deadline of ctx. Connections get a 421 response to their
// next command.
func (s *Server) Shutdown(ctx context.Context) {
	s.stop()
	for _, ln := range s.listeners {
		err := ln.Close()
		mlog.New("smtpserver", nil).Check(err, "closing listener")
	}
	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// sleep waits for d, returning early on shutdown.
func (s *Server) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
	case <-t.C:
	}
}

type conn struct {
	cid    int64
	server *Server

	// OrigConn is the original (TCP) connection. We'll read from/write to conn,
	// which can be wrapped in a tls.Server. We close origConn instead of conn
	// because closing the TLS connection would send a TLS close notification,
	// which may block for 5s if the server isn't reading it (because it is also
	// sending it).
	origConn net.Conn
	conn     net.Conn

	tls                   bool
	r                     *bufio.Reader
	w                     *bufio.Writer
	tr                    *mailio.TraceReader // Kept for changing trace level during cmd/auth/data.
	tw                    *mailio.TraceWriter
	slow                  bool      // If set, reads are done with a 1 second sleep, and writes are done 1 byte at a time, to keep spammers busy.
	lastlog               time.Time // Used for printing the delta time since the previous logging for this connection.
	submission            bool      // Message submission instead of incoming delivery, RFC 6409.
	tlsConfig             *tls.Config
	localIP               net.IP
	remoteIP              net.IP
	hostname              dns.Domain
	log                   mlog.Log
	maxMessageSize        int64
	requireTLSForAuth     bool
	requireTLSForDelivery bool
	trustedNet            bool      // Remote IP is in a configured trusted network.
	cmd                   string    // Current command.
	cmdStart              time.Time // Start of current command.
	ncmds                 int       // Number of commands processed. Used to abort connection when first incoming command is unknown/invalid.

	// If non-zero, taken into account during Read and Write. Set while
	// processing the DATA command, we don't want the entire delivery to take
	// too long.
	deadline time.Time

	hello dns.IPDomain // Claimed remote name. Can be ip address for ehlo.
	ehlo  bool         // If set, we had EHLO instead of HELO.

	authFailed int            // Number of failed auth attempts. For slowing down remote with many failures.
	username   string         // Only when authenticated.
	account    *store.Account // Only when authenticated.

	// We track good/bad message transactions to disconnect spammers trying to
	// guess addresses.
	transactionGood int
	transactionBad  int

	// Message transaction.
	mailFrom     *smtp.Path
	mailFromOrg  int64 // OrgID of the sender domain, if hosted here.
	has8bitmime  bool  // If MAIL FROM parameter BODY=8BITMIME was sent. Required for SMTPUTF8.
	smtputf8     bool
	msgsmtputf8  bool // Whether SMTPUTF8 is required for the received message. Defaults to smtputf8, re-evaluated after the whole message is received.
	recipients   []recipient
}

type recipient struct {
	addr smtp.Path

	// Both set when the recipient domain is hosted here, with the resolved
	// final delivery addresses. Not set for external recipients, which is
	// normal for submission and trusted relays.
	domain *store.Domain
	result *store.RecipientResult
}

func isClosed(err error) bool {
	return errors.Is(err, errIO) || mailio.IsClosed(err)
}

// Completely reset connection state as if greeting has just been sent.
func (c *conn) reset() {
	c.ehlo = false
	c.hello = dns.IPDomain{}
	c.username = ""
	c.account = nil
	c.rset()
}

// For rset command, and a few more cases that reset the mail transaction state.
func (c *conn) rset() {
	c.mailFrom = nil
	c.mailFromOrg = 0
	c.has8bitmime = false
	c.smtputf8 = false
	c.msgsmtputf8 = false
	c.recipients = nil
}

func (c *conn) earliestDeadline(d time.Duration) time.Time {
	e := time.Now().Add(d)
	if !c.deadline.IsZero() && c.deadline.Before(e) {
		return c.deadline
	}
	return e
}

func (c *conn) xcheckAuth() {
	if c.submission && c.account == nil {
		xsmtpUserErrorf(smtp.C530SecurityRequired, smtp.SePol7Other0, "authentication required")
	}
}

func (c *conn) xneedTLSForDelivery() {
	if c.requireTLSForDelivery && !c.tls {
		xsmtpUserErrorf(smtp.C530SecurityRequired, smtp.SePol7Other0, "STARTTLS required for mail delivery")
	}
}

func (c *conn) xtrace(level slog.Level) func() {
	c.xflush()
	c.tr.SetTrace(level)
	c.tw.SetTrace(level)
	return func() {
		c.xflush()
		c.tr.SetTrace(mlog.LevelTrace)
		c.tw.SetTrace(mlog.LevelTrace)
	}
}

// setSlow marks the connection slow (or not), so reads are done with a delay
// for each read, and writes are done 1 byte at a time, to slow down spammers.
func (c *conn) setSlow(on bool) {
	if on && !c.slow {
		c.log.Debug("connection changed to slow")
	} else if !on && c.slow {
		c.log.Debug("connection restored to regular pace")
	}
	c.slow = on
}

// Write writes to the connection. It panics on i/o errors, which is handled by
// the connection command loop.
func (c *conn) Write(buf []byte) (int, error) {
	chunk := len(buf)
	if c.slow {
		chunk = 1
	}

	// We set a single deadline for Write and Read. This may be a TLS connection.
	// SetDeadline works on the underlying connection. If we wouldn't touch the
	// read deadline, and only set the write deadline and do a bunch of writes,
	// the TLS library would still have to do reads on the underlying connection,
	// and may reach a read deadline that was set for some earlier read.
	// We have one deadline for the whole write. In case of slow writing, we'll
	// write the last chunk in one go, so remote smtp clients don't abort the
	// connection for being slow.
	deadline := c.earliestDeadline(30 * time.Second)
	if err := c.conn.SetDeadline(deadline); err != nil {
		c.log.Errorx("setting deadline for write", err)
	}

	var n int
	for len(buf) > 0 {
		nn, err := c.conn.Write(buf[:chunk])
		if err != nil {
			panic(fmt.Errorf("write: %s (%w)", err, errIO))
		}
		n += nn
		buf = buf[chunk:]
		if len(buf) > 0 && badClientDelay > 0 {
			c.server.sleep(badClientDelay)

			// Make sure we don't take too long, otherwise the remote SMTP client
			// may close the connection.
			if time.Until(deadline) < 2*badClientDelay {
				chunk = len(buf)
			}
		}
	}
	return n, nil
}

// Read reads from the connection. It panics on i/o errors, which is handled by
// the connection command loop.
func (c *conn) Read(buf []byte) (int, error) {
	if c.slow && badClientDelay > 0 {
		c.server.sleep(badClientDelay)
	}

	// See comment about Deadline instead of individual read/write deadlines at
	// Write.
	if err := c.conn.SetDeadline(c.earliestDeadline(30 * time.Second)); err != nil {
		c.log.Errorx("setting deadline for read", err)
	}

	n, err := c.conn.Read(buf)
	if err != nil {
		panic(fmt.Errorf("read: %s (%w)", err, errIO))
	}
	return n, err
}

// Cache of line buffers for reading commands.
// Filled on demand.
var bufpool = mailio.NewBufpool(8, 2*1024)

func (c *conn) readline() string {
	line, err := bufpool.Readline(c.log, c.r)
	if err != nil && errors.Is(err, mailio.ErrLineTooLong) {
		c.writecodeline(smtp.C500BadSyntax, smtp.SeProto5Other0, "line too long, smtp max is 512, we reached 2048", nil)
		panic(fmt.Errorf("%s (%w)", err, errIO))
	} else if err != nil {
		panic(fmt.Errorf("%s (%w)", err, errIO))
	}
	return line
}

// Buffered-write command response line to connection with codes and msg.
// Err is not sent to remote but is used for logging and can be empty.
func (c *conn) bwritecodeline(code int, secode string, msg string, err error) {
	var ecode string
	if secode != "" {
		ecode = fmt.Sprintf("%d.%s", code/100, secode)
	}
	metricCommands.WithLabelValues(c.kind(), c.cmd, fmt.Sprintf("%d", code), ecode).Observe(float64(time.Since(c.cmdStart)) / float64(time.Second))
	c.log.Debugx("smtp command result", err,
		slog.String("kind", c.kind()),
		slog.String("cmd", c.cmd),
		slog.Int("code", code),
		slog.String("ecode", ecode),
		slog.Duration("duration", time.Since(c.cmdStart)))

	var sep string
	if ecode != "" {
		sep = " "
	}

	// Separate by newline and wrap long lines.
	lines := strings.Split(msg, "\n")
	for i, line := range lines {
		var prelen = 3 + 1 + len(ecode) + len(sep)
		for prelen+len(line) > 510 {
			e := 510 - prelen
			for ; e > 400 && line[e] != ' '; e-- {
			}
			c.bwritelinef("%d-%s%s%s", code, ecode, sep, line[:e])
			line = line[e:]
		}
		spdash := " "
		if i < len(lines)-1 {
			spdash = "-"
		}
		c.bwritelinef("%d%s%s%s%s", code, spdash, ecode, sep, line)
	}
}

// Buffered-write a formatted response line to connection.
func (c *conn) bwritelinef(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprint(c.w, msg+"\r\n")
}

// Flush pending buffered writes to connection.
func (c *conn) xflush() {
	c.w.Flush() // Errors will have caused a panic in Write.
}

// Write (with flush) a response line with codes and message. Err is not
// written, used for logging and can be nil.
func (c *conn) writecodeline(code int, secode string, msg string, err error) {
	c.bwritecodeline(code, secode, msg, err)
	c.xflush()
}

// Write (with flush) a formatted response line to connection.
func (c *conn) writelinef(format string, args ...any) {
	c.bwritelinef(format, args...)
	c.xflush()
}

var cleanClose struct{} // Sentinel value for panic/recover indicating clean close of connection.

func (s *Server) serve(listenerName string, cid int64, hostname dns.Domain, tlsConfig *tls.Config, nc net.Conn, submission bool, maxMessageSize int64, requireTLSForAuth, requireTLSForDelivery bool) {
	var localIP, remoteIP net.IP
	if a, ok := nc.LocalAddr().(*net.TCPAddr); ok {
		localIP = a.IP
	} else {
		// For net.Pipe, during tests.
		localIP = net.ParseIP("127.0.0.10")
	}
	if a, ok := nc.RemoteAddr().(*net.TCPAddr); ok {
		remoteIP = a.IP
	} else {
		// For net.Pipe, during tests.
		remoteIP = net.ParseIP("127.0.0.10")
	}

	c := &conn{
		cid:                   cid,
		server:                s,
		origConn:              nc,
		conn:                  nc,
		submission:            submission,
		lastlog:               time.Now(),
		tlsConfig:             tlsConfig,
		localIP:               localIP,
		remoteIP:              remoteIP,
		hostname:              hostname,
		maxMessageSize:        maxMessageSize,
		requireTLSForAuth:     requireTLSForAuth,
		requireTLSForDelivery: requireTLSForDelivery,
		trustedNet:            s.config.IsTrusted(remoteIP),
	}
	var logmutex sync.Mutex
	c.log = mlog.New("smtpserver", nil).WithFunc(func() []slog.Attr {
		logmutex.Lock()
		defer logmutex.Unlock()
		now := time.Now()
		l := []slog.Attr{
			slog.Int64("cid", c.cid),
			slog.Duration("delta", now.Sub(c.lastlog)),
		}
		c.lastlog = now
		if c.username != "" {
			l = append(l, slog.String("username", c.username))
		}
		return l
	})
	c.tr = mailio.NewTraceReader(c.log, "RC: ", c)
	c.tw = mailio.NewTraceWriter(c.log, "LS: ", c)
	c.r = bufio.NewReader(c.tr)
	c.w = bufio.NewWriter(c.tw)

	metricConnection.WithLabelValues(c.kind()).Inc()
	c.log.Info("new connection",
		slog.Any("remote", c.conn.RemoteAddr()),
		slog.Any("local", c.conn.LocalAddr()),
		slog.Bool("submission", submission),
		slog.String("listener", listenerName))

	defer func() {
		c.origConn.Close() // Close actual TCP socket, regardless of TLS on top.
		c.conn.Close()     // If TLS, will try to write alert notification to already closed socket, returning error quickly.

		x := recover()
		if x == nil || x == cleanClose {
			c.log.Info("connection closed")
		} else if err, ok := x.(error); ok && isClosed(err) {
			c.log.Infox("connection closed", err)
		} else {
			c.log.Error("unhandled panic", slog.Any("err", x))
			debug.PrintStack()
			metrics.PanicInc(metrics.Smtpserver)
		}
	}()

	select {
	case <-s.ctx.Done():
		c.writecodeline(smtp.C421ServiceUnavail, smtp.SeSys3NotAccepting2, "shutting down", nil)
		return
	default:
	}

	if !limiterConnectionRate.Add(c.remoteIP, time.Now(), 1) {
		c.writecodeline(smtp.C421ServiceUnavail, smtp.SePol7Other0, "connection rate from your ip or network too high, slow down please", nil)
		return
	}

	if !limiterConnections.Add(c.remoteIP, time.Now(), 1) {
		c.log.Debug("refusing connection due to many open connections", slog.Any("remoteip", c.remoteIP))
		c.writecodeline(smtp.C421ServiceUnavail, smtp.SePol7Other0, "too many open connections from your ip or network", nil)
		return
	}
	defer limiterConnections.Add(c.remoteIP, time.Now(), -1)

	// We include the string ESMTP, the default blackbox exporter SMTP health
	// check expects it.
	c.writelinef("%d %s ESMTP smtpd", smtp.C220ServiceReady, c.hostname.ASCII)

	for {
		command(c)

		// If another command is present, don't flush our buffered response yet.
		// Holding off will cause us to respond with a single packet.
		n := c.r.Buffered()
		if n > 0 {
			buf, err := c.r.Peek(n)
			if err == nil && bytes.IndexByte(buf, '\n') >= 0 {
				continue
			}
		}
		c.xflush()
	}
}

var commands = map[string]func(c *conn, p *parser){
	"helo":     (*conn).cmdHelo,
	"ehlo":     (*conn).cmdEhlo,
	"starttls": (*conn).cmdStarttls,
	"auth":     (*conn).cmdAuth,
	"mail":     (*conn).cmdMail,
	"rcpt":     (*conn).cmdRcpt,
	"data":     (*conn).cmdData,
	"rset":     (*conn).cmdRset,
	"vrfy":     (*conn).cmdVrfy,
	"expn":     (*conn).cmdExpn,
	"help":     (*conn).cmdHelp,
	"noop":     (*conn).cmdNoop,
	"quit":     (*conn).cmdQuit,
}

func command(c *conn) {
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		err, ok := x.(error)
		if !ok {
			panic(x)
		}

		if isClosed(err) {
			panic(err)
		}

		var serr smtpError
		if errors.As(err, &serr) {
			c.writecodeline(serr.code, serr.secode, fmt.Sprintf("%s (%x)", serr.err, c.cid), serr.err)
			if serr.printStack {
				c.log.Errorx("smtp error", serr.err, slog.Int("code", serr.code), slog.String("secode", serr.secode))
				debug.PrintStack()
			}
		} else {
			// Other type of panic, we pass it on, aborting the connection.
			c.log.Errorx("command panic", err)
			panic(err)
		}
	}()

	line := c.readline()
	t := strings.SplitN(line, " ", 2)
	var args string
	if len(t) == 2 {
		args = " " + t[1]
	}
	cmd := t[0]
	cmdl := strings.ToLower(cmd)

	select {
	case <-c.server.ctx.Done():
		c.writecodeline(smtp.C421ServiceUnavail, smtp.SeSys3NotAccepting2, "shutting down", nil)
		panic(errIO)
	default:
	}

	c.cmd = cmdl
	c.cmdStart = time.Now()

	p := newParser(args, c.smtputf8, c)
	fn, ok := commands[cmdl]
	if !ok {
		c.cmd = "(unknown)"
		if c.ncmds == 0 {
			// Other side is likely speaking something else than SMTP, send error
			// message and stop processing because there is a good chance whatever
			// they sent has multiple lines.
			c.writecodeline(smtp.C500BadSyntax, smtp.SeProto5Syntax2, "please try again speaking smtp", nil)
			panic(errIO)
		}
		xsmtpUserErrorf(smtp.C500BadSyntax, smtp.SeProto5BadCmdOrSeq1, "unknown command")
	}
	c.ncmds++
	fn(c, p)
}

// For use in metric labels.
func (c *conn) kind() string {
	if c.submission {
		return "submission"
	}
	return "smtp"
}

func (c *conn) xneedHello() {
	if c.hello.IsZero() {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "no ehlo/helo yet")
	}
}

func (c *conn) cmdHelo(p *parser) {
	c.cmdHello(p, false)
}

func (c *conn) cmdEhlo(p *parser) {
	c.cmdHello(p, true)
}

func (c *conn) cmdHello(p *parser, ehlo bool) {
	var remote dns.IPDomain
	if c.submission {
		// Mail clients regularly put bogus information in the hostname/ip. For
		// submission, the value is of no use, so there is not much point in
		// annoying the user with errors they cannot fix themselves.
		remote = dns.IPDomain{IP: c.remoteIP}
	} else {
		p.xspace()
		if ehlo {
			remote = p.xipdomain(true)
		} else {
			remote = dns.IPDomain{Domain: p.xdomain()}
		}
		// We allow additional text after an address literal, but only if
		// space-separated.
		if len(remote.IP) > 0 && p.space() {
			p.remainder()
		}
		p.xend()
	}

	// Reset state as if an RSET command has been issued.
	c.rset()

	c.ehlo = ehlo
	c.hello = remote

	c.bwritelinef("250-%s", c.hostname.ASCII)
	c.bwritelinef("250-PIPELINING")
	c.bwritelinef("250-SIZE %d", c.maxMessageSize)
	if !c.tls && c.tlsConfig != nil {
		c.bwritelinef("250-STARTTLS")
	}
	if c.submission {
		if c.tls || !c.requireTLSForAuth {
			c.bwritelinef("250-AUTH PLAIN LOGIN")
		} else {
			// Clients should only try authentication once the channel is secured
			// with STARTTLS.
			c.bwritelinef("250-AUTH ")
		}
	}
	c.bwritelinef("250-ENHANCEDSTATUSCODES")
	c.bwritelinef("250-8BITMIME")
	c.bwritecodeline(250, "", "SMTPUTF8", nil)
	c.xflush()
}

func (c *conn) cmdStarttls(p *parser) {
	c.xneedHello()
	p.xend()

	if c.tls {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "already speaking tls")
	}
	if c.account != nil {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "cannot starttls after authentication")
	}
	if c.tlsConfig == nil {
		xsmtpUserErrorf(smtp.C502CmdNotImpl, smtp.SeProto5BadCmdOrSeq1, "starttls not offered")
	}

	// We don't want to do TLS on top of c.r because it also prints protocol
	// traces: we don't want to log the TLS stream. So we'll do TLS on the
	// underlying connection, but make sure any bytes already read and in the
	// buffer are used for the TLS handshake.
	conn := c.conn
	if n := c.r.Buffered(); n > 0 {
		conn = &mailio.PrefixConn{
			PrefixReader: io.LimitReader(c.r, int64(n)),
			Conn:         conn,
		}
	}

	// We add the cid to the output, to help debugging in case of a failing TLS
	// connection.
	c.writecodeline(smtp.C220ServiceReady, smtp.SeOther00, fmt.Sprintf("go! (%x)", c.cid), nil)
	tlsConn := tls.Server(conn, c.tlsConfig)
	cidctx := context.WithValue(c.server.ctx, mlog.CidKey, c.cid)
	ctx, cancel := context.WithTimeout(cidctx, time.Minute)
	defer cancel()
	c.log.Debug("starting tls server handshake")
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		panic(fmt.Errorf("starttls handshake: %s (%w)", err, errIO))
	}
	cancel()
	tlsversion, ciphersuite := mailio.TLSInfo(tlsConn.ConnectionState())
	c.log.Debug("tls server handshake done", slog.String("tls", tlsversion), slog.String("ciphersuite", ciphersuite))
	c.conn = tlsConn
	c.tr = mailio.NewTraceReader(c.log, "RC: ", c)
	c.tw = mailio.NewTraceWriter(c.log, "LS: ", c)
	c.r = bufio.NewReader(c.tr)
	c.w = bufio.NewWriter(c.tw)

	c.reset() // RFC 3207 says the client must forget all state from before the handshake.
	c.tls = true
}

func (c *conn) cmdRset(p *parser) {
	p.xend()

	c.rset()
	c.bwritecodeline(smtp.C250Completed, smtp.SeOther00, "all clear", nil)
}

func (c *conn) cmdVrfy(p *parser) {
	// No EHLO/HELO needed.
	p.xspace()
	p.xstring()
	if p.space() {
		p.xtake("SMTPUTF8")
	}
	p.xend()

	// Not disclosing whether addresses exist.
	xsmtpUserErrorf(smtp.C252WithoutVrfy, smtp.SePol7Other0, "no verify but will try delivery")
}

func (c *conn) cmdExpn(p *parser) {
	// No EHLO/HELO needed.
	p.xspace()
	p.xstring()
	if p.space() {
		p.xtake("SMTPUTF8")
	}
	p.xend()

	// Not disclosing alias or list members.
	xsmtpUserErrorf(smtp.C252WithoutVrfy, smtp.SePol7ExpnProhibited2, "no expand but will try delivery")
}

func (c *conn) cmdHelp(p *parser) {
	// Let's not strictly parse the request for help. We are ignoring the text
	// anyway.
	c.writecodeline(smtp.C214Help, smtp.SeOther00, "see rfc 5321", nil)
}

func (c *conn) cmdNoop(p *parser) {
	// Arguments can be present.
	if p.space() {
		p.remainder()
	}
	c.writecodeline(smtp.C250Completed, smtp.SeOther00, "ok", nil)
}

func (c *conn) cmdQuit(p *parser) {
	p.xend()

	c.writecodeline(smtp.C221Closing, smtp.SeOther00, "okay thanks bye", nil)
	panic(cleanClose)
}
