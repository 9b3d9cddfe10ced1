package auth

import (
	"context"
	"net"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/oonrumail/smtpd/mlog"
	"github.com/oonrumail/smtpd/store"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tdb(t *testing.T) *store.Database {
	t.Helper()
	db, err := store.Open(ctxbg, t.TempDir(), mlog.New("store", nil))
	tcheck(t, err, "open database")
	t.Cleanup(func() {
		err := db.Close()
		tcheck(t, err, "close database")
	})

	org := store.Org{Name: "oonru"}
	err = db.DB.Insert(ctxbg, &org)
	tcheck(t, err, "insert org")

	hash, err := bcrypt.GenerateFromPassword([]byte("correcthorse"), bcrypt.MinCost)
	tcheck(t, err, "bcrypt")
	accounts := []*store.Account{
		{OrgID: org.ID, Email: "info@oonru.example", PasswordHash: string(hash)},
		{OrgID: org.ID, Email: "off@oonru.example", PasswordHash: string(hash), Disabled: true},
		{OrgID: org.ID, Email: "nopw@oonru.example"},
	}
	for _, acc := range accounts {
		err := db.DB.Insert(ctxbg, acc)
		tcheck(t, err, "insert account")
	}
	return db
}

func TestVerify(t *testing.T) {
	db := tdb(t)
	a := New(db, 3, 15*time.Minute)
	ip := net.ParseIP("127.0.0.1")

	terr := func(email, password string, expErr error) {
		t.Helper()
		_, err := a.Verify(ctxbg, email, password, ip)
		if err != expErr {
			t.Fatalf("verify %s: got %v, expected %v", email, err, expErr)
		}
	}

	acc, err := a.Verify(ctxbg, "Info@OONRU.example", "correcthorse", ip)
	tcheck(t, err, "verify")
	if acc.Email != "info@oonru.example" {
		t.Fatalf("got account %q", acc.Email)
	}

	terr("info@oonru.example", "wrong", ErrCredentials)
	terr("unknown@oonru.example", "whatever", ErrCredentials)
	terr("off@oonru.example", "correcthorse", ErrAccountDisabled)
	terr("nopw@oonru.example", "", ErrNoPassword)
}

func TestLockout(t *testing.T) {
	db := tdb(t)
	a := New(db, 3, 15*time.Minute)
	ip := net.ParseIP("127.0.0.1")

	for i := 0; i < 3; i++ {
		if _, err := a.Verify(ctxbg, "info@oonru.example", "wrong", ip); err != ErrCredentials {
			t.Fatalf("attempt %d: got %v, expected ErrCredentials", i, err)
		}
	}
	// Locked out now, even with the correct password.
	if _, err := a.Verify(ctxbg, "info@oonru.example", "correcthorse", ip); err != ErrAccountLocked {
		t.Fatalf("got %v, expected ErrAccountLocked", err)
	}

	// A success clears the failure history.
	a.clearFailures("info@oonru.example")
	_, err := a.Verify(ctxbg, "info@oonru.example", "correcthorse", ip)
	tcheck(t, err, "verify after clearing failures")
	if _, err := a.Verify(ctxbg, "info@oonru.example", "correcthorse", ip); err != nil {
		t.Fatalf("verify again: %v", err)
	}
}

func TestIPRateLimit(t *testing.T) {
	db := tdb(t)
	a := New(db, 1, 15*time.Minute)
	ip := net.ParseIP("10.9.8.7")

	// IP threshold is 3x the account threshold. Spread the failures over
	// addresses so no single account is locked out.
	addrs := []string{"a@x.example", "b@x.example", "c@x.example"}
	for _, addr := range addrs {
		if _, err := a.Verify(ctxbg, addr, "wrong", ip); err != ErrCredentials {
			t.Fatalf("verify %s: got %v, expected ErrCredentials", addr, err)
		}
	}
	if _, err := a.Verify(ctxbg, "d@x.example", "wrong", ip); err != ErrRateLimited {
		t.Fatalf("got %v, expected ErrRateLimited", err)
	}
	// Other IPs are not affected.
	if _, err := a.Verify(ctxbg, "d@x.example", "wrong", net.ParseIP("192.0.2.1")); err != ErrCredentials {
		t.Fatalf("got %v, expected ErrCredentials from other ip", err)
	}
}

func TestParsePlain(t *testing.T) {
	authc, password, err := ParsePlain([]byte("\x00info@oonru.example\x00secret"))
	tcheck(t, err, "parse plain")
	if authc != "info@oonru.example" || password != "secret" {
		t.Fatalf("got %q %q", authc, password)
	}

	// Authorization identity must match the authentication identity.
	if _, _, err := ParsePlain([]byte("other@oonru.example\x00info@oonru.example\x00secret")); err == nil {
		t.Fatalf("no error for mismatching authorization identity")
	}
	if _, _, err := ParsePlain([]byte("no separators")); err == nil {
		t.Fatalf("no error for missing tokens")
	}
}

func TestLoginExchange(t *testing.T) {
	var e LoginExchange
	if e.Challenge() != "Username:" {
		t.Fatalf("got challenge %q", e.Challenge())
	}
	err := e.Respond([]byte("info@oonru.example"))
	tcheck(t, err, "respond username")
	if e.Challenge() != "Password:" {
		t.Fatalf("got challenge %q", e.Challenge())
	}
	err = e.Respond([]byte("secret"))
	tcheck(t, err, "respond password")
	if e.Step != LoginComplete || e.Username != "info@oonru.example" || e.Password != "secret" {
		t.Fatalf("exchange state %+v", e)
	}
	if err := e.Respond([]byte("again")); err == nil {
		t.Fatalf("no error for response after completion")
	}
}

func TestMaskAddress(t *testing.T) {
	if s := MaskAddress("info@oonru.example"); s != "i***@oonru.example" {
		t.Fatalf("got %q", s)
	}
	if s := MaskAddress("bogus"); s != "***" {
		t.Fatalf("got %q", s)
	}
}
