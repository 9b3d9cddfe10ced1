// Package auth verifies credentials of users submitting messages.
//
// Failed attempts are counted per account and per remote IP. An account is
// locked out for the failure window after too many failures, and IPs get a
// higher threshold so one shared NAT address cannot easily lock out an
// account for everyone behind it.
package auth

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/mjl-/bstore"

	"github.com/oonrumail/smtpd/ratelimit"
	"github.com/oonrumail/smtpd/store"
)

var (
	// ErrCredentials is returned for unknown addresses and bad passwords
	// alike, so a caller cannot probe which addresses exist.
	ErrCredentials = errors.New("bad user/pass")

	// ErrAccountLocked is returned when an account exceeded the failed
	// attempt threshold and the failure window has not passed yet.
	ErrAccountLocked = errors.New("account locked after too many failed attempts")

	// ErrAccountDisabled is returned for administratively disabled accounts.
	ErrAccountDisabled = errors.New("account disabled")

	// ErrNoPassword is returned for accounts without a password set.
	ErrNoPassword = errors.New("password login not available for account")

	// ErrRateLimited is returned when the remote IP exceeded its failed
	// attempt threshold.
	ErrRateLimited = errors.New("too many failed attempts from remote address")
)

// Authenticator verifies login credentials against the account database.
type Authenticator struct {
	db *store.Database

	// Failures per account before lockout, and the window in which they are
	// counted. The window is also the lockout duration.
	maxFailed int
	window    time.Duration

	limiter *ratelimit.Limiter // Failed attempts per remote IP.

	sync.Mutex
	failures map[string][]time.Time // Failure times per account email.

	// Cache of successful bcrypt comparisons, so a client sending a pipeline
	// of messages does not cost a full bcrypt per message.
	cache map[authKey]string
}

type authKey struct {
	email string
	hash  string
}

// New returns an Authenticator with the given per-account failure limit and
// window. The per-IP limits are three times the account limit, tripling per
// wider subnet class.
func New(db *store.Database, maxFailed int, window time.Duration) *Authenticator {
	n := int64(maxFailed)
	return &Authenticator{
		db:        db,
		maxFailed: maxFailed,
		window:    window,
		limiter: &ratelimit.Limiter{
			WindowLimits: []ratelimit.WindowLimit{
				{
					Window: window,
					Limits: [...]int64{3 * n, 9 * n, 27 * n},
				},
			},
		},
		failures: map[string][]time.Time{},
		cache:    map[authKey]string{},
	}
}

// Verify checks email/password for a connection from remoteIP, returning the
// account on success. On failure one of the error variables of this package
// is returned, wrapping possible detail, or a verbatim database error.
func (a *Authenticator) Verify(ctx context.Context, email, password string, remoteIP net.IP) (store.Account, error) {
	email = strings.ToLower(email)
	now := time.Now()

	if a.lockedOut(email, now) {
		return store.Account{}, ErrAccountLocked
	}
	if !a.limiter.CanAdd(remoteIP, now, 1) {
		return store.Account{}, ErrRateLimited
	}

	fail := func() {
		a.addFailure(email, now)
		a.limiter.Add(remoteIP, now, 1)
	}

	acc, err := a.db.AccountByEmail(ctx, email)
	if err == bstore.ErrAbsent {
		fail()
		return store.Account{}, ErrCredentials
	} else if err != nil {
		return store.Account{}, err
	}
	if acc.Disabled {
		// Disabled accounts don't count towards lockout, the password may
		// well be correct.
		return store.Account{}, ErrAccountDisabled
	}
	if acc.PasswordHash == "" {
		return store.Account{}, ErrNoPassword
	}

	k := authKey{email, acc.PasswordHash}
	a.Lock()
	cached := len(password) >= 8 && a.cache[k] == password
	a.Unlock()
	if !cached {
		if err := bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(password)); err != nil {
			fail()
			return store.Account{}, ErrCredentials
		}
		a.Lock()
		a.cache[k] = password
		a.Unlock()
	}

	a.clearFailures(email)
	a.limiter.Reset(remoteIP, now)
	return acc, nil
}

func (a *Authenticator) lockedOut(email string, now time.Time) bool {
	a.Lock()
	defer a.Unlock()
	l := a.failures[email]
	n := 0
	for _, t := range l {
		if now.Sub(t) < a.window {
			n++
		}
	}
	return n >= a.maxFailed
}

func (a *Authenticator) addFailure(email string, now time.Time) {
	a.Lock()
	defer a.Unlock()
	l := a.failures[email][:0:0]
	for _, t := range a.failures[email] {
		if now.Sub(t) < a.window {
			l = append(l, t)
		}
	}
	a.failures[email] = append(l, now)
}

func (a *Authenticator) clearFailures(email string) {
	a.Lock()
	defer a.Unlock()
	delete(a.failures, email)
}

// MaskAddress returns a masked form of an email address for logging: the
// first character of the localpart, a mask, and the domain. Addresses
// without an "@" are fully masked.
func MaskAddress(address string) string {
	localpart, domain, found := strings.Cut(address, "@")
	if !found || localpart == "" {
		return "***"
	}
	return localpart[:1] + "***@" + domain
}
