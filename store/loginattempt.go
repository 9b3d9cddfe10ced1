package store

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/mjl-/bstore"

	"github.com/oonrumail/smtpd/mailio"
	"github.com/oonrumail/smtpd/metrics"
	"github.com/oonrumail/smtpd/mlog"
)

var loginAttemptsMaxPerAccount = 10 * 1000 // Lower during tests.

// LoginAttempt is a successful or failed login attempt, stored for auditing
// purposes.
//
// At most 10000 failed attempts are stored per account, to prevent unbounded
// growth of the database by third parties.
type LoginAttempt struct {
	// Hash of all fields after "Count" below. We store a single entry per key,
	// updating its Last and Count fields.
	Key []byte

	// Last has an index for efficient removal of entries after 30 days.
	Last  time.Time `bstore:"nonzero,default now,index"`
	First time.Time `bstore:"nonzero,default now"`
	Count int64 // Number of login attempts for the combination of fields below.

	// If no account is known, "-" is used.
	// AccountEmail has an index for efficiently removing failed login attempts
	// at the end of the list when there are too many.
	AccountEmail string `bstore:"index AccountEmail+Last"`

	RemoteIP string
	LocalIP  string
	TLS      string // Empty if no TLS, otherwise contains version, algorithm, properties, etc.
	Protocol string // "smtp" or "submission".
	AuthMech string // "plain", "login" or "(unrecognized)".
	Result   AuthResult

	log mlog.Log // For passing the logger to the goroutine that writes and logs.
}

func (a LoginAttempt) calculateKey() []byte {
	h := sha256.New()
	l := []string{
		a.AccountEmail,
		a.RemoteIP,
		a.LocalIP,
		a.TLS,
		a.Protocol,
		a.AuthMech,
		string(a.Result),
	}
	// We don't add field separators. It allows us to add fields in the future
	// that are empty by default without changing existing keys.
	for _, s := range l {
		h.Write([]byte(s))
	}
	return h.Sum(nil)
}

// LoginAttemptState keeps track of the number of failed LoginAttempt records
// per account. For efficiently removing records beyond 10000.
type LoginAttemptState struct {
	AccountEmail string // "-" is used when no account is present, for unknown addresses.

	// Number of LoginAttempt records for login failures. For preventing
	// unbounded growth of logs.
	RecordsFailed int
}

// AuthResult is the result of a login attempt.
type AuthResult string

const (
	AuthSuccess        AuthResult = "ok"
	AuthBadUser        AuthResult = "baduser"
	AuthBadPassword    AuthResult = "badpassword"
	AuthBadCredentials AuthResult = "badcreds"
	AuthRateLimited    AuthResult = "ratelimited"
	AuthLocked         AuthResult = "locked"
	AuthLoginDisabled  AuthResult = "logindisabled"
	AuthError          AuthResult = "error"
	AuthAborted        AuthResult = "aborted"
)

func (d *Database) startLoginAttemptWriter() {
	d.writeLoginAttempt = make(chan LoginAttempt, 100)
	d.writeLoginAttemptStop = make(chan chan struct{})

	process := func(la *LoginAttempt) {
		var l []LoginAttempt
		if la != nil {
			l = []LoginAttempt{*la}
		}
		// Gather all that we can write now.
	All:
		for {
			select {
			case xla := <-d.writeLoginAttempt:
				l = append(l, xla)
			default:
				break All
			}
		}

		if len(l) > 0 {
			d.loginAttemptWrite(l...)
		}
	}

	go func() {
		defer func() {
			x := recover()
			if x == nil {
				return
			}

			d.log.Error("unhandled panic in login attempt writer", slog.Any("err", x))
			debug.PrintStack()
			metrics.PanicInc(metrics.Store)
		}()

		for {
			select {
			case stopc := <-d.writeLoginAttemptStop:
				process(nil)
				stopc <- struct{}{}
				return

			case la := <-d.writeLoginAttempt:
				process(&la)
			}
		}
	}()
}

// LoginAttemptAdd logs a login attempt (with result), and upserts it in the
// database and possibly cleans up old entries in the database.
//
// Writes are done in a background routine, unless there are many pending
// writes.
func (d *Database) LoginAttemptAdd(ctx context.Context, log mlog.Log, a LoginAttempt) {
	metrics.AuthenticationInc(a.Protocol, a.AuthMech, string(a.Result))

	a.log = log
	// Send login attempt to writer. Only blocks if there are lots of login attempts.
	d.writeLoginAttempt <- a
}

func (d *Database) loginAttemptWrite(l ...LoginAttempt) {
	// Log on the way out, for "count" fetched from database.
	defer func() {
		for _, a := range l {
			a.log.Info("login attempt",
				slog.String("account", a.AccountEmail),
				slog.String("protocol", a.Protocol),
				slog.String("authmech", a.AuthMech),
				slog.String("result", string(a.Result)),
				slog.String("remoteip", a.RemoteIP),
				slog.String("localip", a.LocalIP),
				slog.String("tls", a.TLS),
				slog.Int64("count", a.Count),
			)
		}
	}()

	for i := range l {
		if l[i].AccountEmail == "" {
			l[i].AccountEmail = "-"
		}
		l[i].Key = l[i].calculateKey()
	}

	err := d.DB.Write(context.Background(), func(tx *bstore.Tx) error {
		for i := range l {
			err := loginAttemptWriteTx(tx, &l[i])
			l[i].log.Check(err, "adding login attempt")
		}
		return nil
	})
	l[0].log.Check(err, "storing login attempt")
}

func loginAttemptWriteTx(tx *bstore.Tx, a *LoginAttempt) error {
	xa := LoginAttempt{Key: a.Key}
	var insert bool
	if err := tx.Get(&xa); err == bstore.ErrAbsent {
		a.First = time.Time{}
		a.Count = 1
		insert = true
		if err := tx.Insert(a); err != nil {
			return fmt.Errorf("inserting login attempt: %v", err)
		}
	} else if err != nil {
		return fmt.Errorf("get loginattempt: %v", err)
	} else {
		log := a.log
		last := a.Last
		*a = xa
		a.log = log
		a.Last = last
		if a.Last.IsZero() {
			a.Last = time.Now()
		}
		a.Count++
		if err := tx.Update(a); err != nil {
			return fmt.Errorf("updating login attempt: %v", err)
		}
	}

	// Update state with its RecordsFailed.
	origstate := LoginAttemptState{AccountEmail: a.AccountEmail}
	var newstate bool
	if err := tx.Get(&origstate); err == bstore.ErrAbsent {
		newstate = true
	} else if err != nil {
		return fmt.Errorf("get login attempt state: %v", err)
	}
	state := origstate
	if insert && a.Result != AuthSuccess {
		state.RecordsFailed++
	}

	if state.RecordsFailed > loginAttemptsMaxPerAccount {
		q := bstore.QueryTx[LoginAttempt](tx)
		q.FilterNonzero(LoginAttempt{AccountEmail: a.AccountEmail})
		q.FilterNotEqual("Result", AuthSuccess)
		q.SortAsc("Last")
		q.Limit(state.RecordsFailed - loginAttemptsMaxPerAccount)
		if n, err := q.Delete(); err != nil {
			return fmt.Errorf("deleting too many failed login attempts: %v", err)
		} else {
			state.RecordsFailed -= n
		}
	}

	if state == origstate {
		return nil
	}
	if newstate {
		if err := tx.Insert(&state); err != nil {
			return fmt.Errorf("inserting login attempt state: %v", err)
		}
		return nil
	}
	if err := tx.Update(&state); err != nil {
		return fmt.Errorf("updating login attempt state: %v", err)
	}
	return nil
}

// LoginAttemptCleanup removes any LoginAttempt entries older than 30 days,
// for all accounts.
func (d *Database) LoginAttemptCleanup(ctx context.Context) error {
	return d.DB.Write(ctx, func(tx *bstore.Tx) error {
		var removed []LoginAttempt
		q := bstore.QueryTx[LoginAttempt](tx)
		q.FilterLess("Last", time.Now().Add(-30*24*time.Hour))
		q.Gather(&removed)
		_, err := q.Delete()
		if err != nil {
			return fmt.Errorf("deleting old login attempts: %v", err)
		}

		deleted := map[string]int{}
		for _, r := range removed {
			if r.Result != AuthSuccess {
				deleted[r.AccountEmail]++
			}
		}

		for email, n := range deleted {
			state := LoginAttemptState{AccountEmail: email}
			if err := tx.Get(&state); err != nil {
				return fmt.Errorf("get login attempt state for account %v: %v", email, err)
			}
			state.RecordsFailed -= n
			if err := tx.Update(&state); err != nil {
				return fmt.Errorf("update login attempt state for account %v: %v", email, err)
			}
		}

		return nil
	})
}

// LoginAttemptList returns LoginAttempt records for an account email. If
// email is empty, all records are returned. Use "-" for login attempts for
// which no account was found. If limit is greater than 0, at most limit
// records, most recent first, are returned.
func (d *Database) LoginAttemptList(ctx context.Context, email string, limit int) ([]LoginAttempt, error) {
	var l []LoginAttempt
	err := d.DB.Read(ctx, func(tx *bstore.Tx) error {
		q := bstore.QueryTx[LoginAttempt](tx)
		if email != "" {
			q.FilterNonzero(LoginAttempt{AccountEmail: email})
		}
		q.SortDesc("Last")
		if limit > 0 {
			q.Limit(limit)
		}
		var err error
		l, err = q.List()
		return err
	})
	return l, err
}

// LoginAttemptTLS returns a string for use as LoginAttempt.TLS. Returns an
// empty string if state is not from a TLS connection.
func LoginAttemptTLS(state *tls.ConnectionState) string {
	if state == nil {
		return ""
	}

	version, ciphersuite := mailio.TLSInfo(*state)
	return fmt.Sprintf("version=%s ciphersuite=%s sni=%s resumed=%v alpn=%s",
		version,
		ciphersuite,
		state.ServerName,
		state.DidResume,
		state.NegotiatedProtocol)
}
