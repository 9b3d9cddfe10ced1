package store

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/mjl-/bstore"

	"github.com/oonrumail/smtpd/mlog"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

// tdb opens a fresh database in a temp dir with an org, two domains,
// accounts and recipient records for the lookup tests.
func tdb(t *testing.T) (*Database, Domain, Domain) {
	t.Helper()
	log := mlog.New("store", nil)
	db, err := Open(ctxbg, t.TempDir(), log)
	tcheck(t, err, "open database")
	t.Cleanup(func() {
		err := db.Close()
		tcheck(t, err, "close database")
	})

	org := Org{Name: "oonru"}
	err = db.DB.Insert(ctxbg, &org)
	tcheck(t, err, "insert org")

	dom := Domain{
		OrgID:  org.ID,
		Name:   "oonru.example",
		Active: true,
		Policies: DomainPolicies{
			CatchAllEnabled: true,
			CatchAllAddress: "info@oonru.example",
		},
	}
	err = db.DB.Insert(ctxbg, &dom)
	tcheck(t, err, "insert domain")

	strict := Domain{
		OrgID:  org.ID,
		Name:   "strict.example",
		Active: true,
		Policies: DomainPolicies{
			RejectUnknownUsers: true,
		},
	}
	err = db.DB.Insert(ctxbg, &strict)
	tcheck(t, err, "insert domain")

	acc := Account{OrgID: org.ID, Email: "info@oonru.example"}
	err = db.DB.Insert(ctxbg, &acc)
	tcheck(t, err, "insert account")

	records := []any{
		&Mailbox{DomainID: dom.ID, AccountID: acc.ID, Address: "info@oonru.example", Active: true},
		&Mailbox{DomainID: dom.ID, AccountID: acc.ID, Address: "gone@oonru.example", Active: false},
		&Alias{DomainID: dom.ID, Address: "sales@oonru.example", TargetAddress: "info@oonru.example", Active: true},
		&Alias{DomainID: dom.ID, Address: "elsewhere@oonru.example", TargetAddress: "contact@external.example", Active: true},
		&Alias{DomainID: dom.ID, Address: "loopa@oonru.example", TargetAddress: "loopb@oonru.example", Active: true},
		&Alias{DomainID: dom.ID, Address: "loopb@oonru.example", TargetAddress: "loopa@oonru.example", Active: true},
		&DistributionList{DomainID: dom.ID, Address: "team@oonru.example", Members: []string{"sales@oonru.example", "partner@external.example"}, Active: true},
	}
	for _, r := range records {
		err := db.DB.Insert(ctxbg, r)
		tcheck(t, err, "insert record")
	}

	return db, dom, strict
}

func TestLookupRecipient(t *testing.T) {
	db, dom, strict := tdb(t)

	lookup := func(d Domain, addr string) RecipientResult {
		t.Helper()
		res, err := db.LookupRecipient(ctxbg, d, addr)
		tcheck(t, err, "lookup recipient")
		return res
	}

	// Direct mailbox match, case-insensitive.
	res := lookup(dom, "Info@OONRU.example")
	if !res.Found || res.Type != RecipientMailbox || len(res.FinalRecipients) != 1 || res.FinalRecipients[0] != "info@oonru.example" {
		t.Fatalf("mailbox lookup: %+v", res)
	}

	// Alias resolves to its target mailbox.
	res = lookup(dom, "sales@oonru.example")
	if !res.Found || res.Type != RecipientAlias || len(res.FinalRecipients) != 1 || res.FinalRecipients[0] != "info@oonru.example" {
		t.Fatalf("alias lookup: %+v", res)
	}

	// Alias to an address at a domain we don't host keeps the address.
	res = lookup(dom, "elsewhere@oonru.example")
	if !res.Found || res.Type != RecipientAlias || len(res.FinalRecipients) != 1 || res.FinalRecipients[0] != "contact@external.example" {
		t.Fatalf("external alias lookup: %+v", res)
	}

	// Distribution list expands members, following aliases.
	res = lookup(dom, "team@oonru.example")
	sort.Strings(res.FinalRecipients)
	if !res.Found || res.Type != RecipientDistributionList {
		t.Fatalf("list lookup: %+v", res)
	}
	want := []string{"info@oonru.example", "partner@external.example"}
	if len(res.FinalRecipients) != len(want) || res.FinalRecipients[0] != want[0] || res.FinalRecipients[1] != want[1] {
		t.Fatalf("list members: %v, want %v", res.FinalRecipients, want)
	}

	// An alias loop resolves to nothing instead of spinning.
	res = lookup(dom, "loopa@oonru.example")
	if !res.Found || res.Type != RecipientAlias || len(res.FinalRecipients) != 0 {
		t.Fatalf("loop alias lookup: %+v", res)
	}

	// Inactive mailbox does not match, unknown address goes to catch-all.
	res = lookup(dom, "gone@oonru.example")
	if !res.Found || res.Type != RecipientCatchAll || len(res.FinalRecipients) != 1 || res.FinalRecipients[0] != "info@oonru.example" {
		t.Fatalf("inactive mailbox lookup: %+v", res)
	}
	res = lookup(dom, "nobody@oonru.example")
	if !res.Found || res.Type != RecipientCatchAll {
		t.Fatalf("catch-all lookup: %+v", res)
	}

	// Without catch-all, unknown addresses are not found.
	res = lookup(strict, "nobody@strict.example")
	if res.Found {
		t.Fatalf("unknown address found: %+v", res)
	}
}

func TestDomainCache(t *testing.T) {
	db, dom, _ := tdb(t)

	cache, err := NewDomainCache(ctxbg, db, time.Hour)
	tcheck(t, err, "new domain cache")
	defer cache.Stop()

	got, ok := cache.Get(ctxbg, "OONRU.example")
	if !ok || got.ID != dom.ID {
		t.Fatalf("cache get: %v %v", got, ok)
	}

	if _, ok := cache.Get(ctxbg, "unknown.example"); ok {
		t.Fatalf("cache returned unknown domain")
	}

	// A domain inserted after the initial load is found lazily.
	late := Domain{OrgID: dom.OrgID, Name: "late.example", Active: true}
	err = db.DB.Insert(ctxbg, &late)
	tcheck(t, err, "insert domain")
	if got, ok := cache.Get(ctxbg, "late.example"); !ok || got.ID != late.ID {
		t.Fatalf("cache get late domain: %v %v", got, ok)
	}

	// Negative results are remembered until the next refresh.
	if _, ok := cache.Get(ctxbg, "unknown.example"); ok {
		t.Fatalf("cache returned unknown domain after negative result")
	}
	err = cache.refresh(ctxbg)
	tcheck(t, err, "refresh")
	if _, ok := cache.Get(ctxbg, "late.example"); !ok {
		t.Fatalf("late domain gone after refresh")
	}
}

func TestLoginAttempts(t *testing.T) {
	db, _, _ := tdb(t)
	log := mlog.New("store", nil)

	a := LoginAttempt{
		AccountEmail: "info@oonru.example",
		RemoteIP:     "127.0.0.1",
		LocalIP:      "127.0.0.1",
		Protocol:     "submission",
		AuthMech:     "plain",
		Result:       AuthBadPassword,
	}
	db.LoginAttemptAdd(ctxbg, log, a)
	db.LoginAttemptAdd(ctxbg, log, a)
	a.Result = AuthSuccess
	db.LoginAttemptAdd(ctxbg, log, a)

	// Writes happen in the background, poll for the results.
	var l []LoginAttempt
	var err error
	for i := 0; i < 100; i++ {
		l, err = db.LoginAttemptList(ctxbg, "info@oonru.example", 0)
		tcheck(t, err, "list login attempts")
		if len(l) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(l) != 2 {
		t.Fatalf("got %d login attempt records, expected 2 (failure upserted, success separate)", len(l))
	}
	var nfail, nok int64
	for _, la := range l {
		if la.Result == AuthSuccess {
			nok = la.Count
		} else {
			nfail = la.Count
		}
	}
	if nfail != 2 || nok != 1 {
		t.Fatalf("got %d failed and %d ok, expected 2 and 1", nfail, nok)
	}

	state := LoginAttemptState{AccountEmail: "info@oonru.example"}
	err = db.DB.Get(ctxbg, &state)
	tcheck(t, err, "get login attempt state")
	if state.RecordsFailed != 1 {
		t.Fatalf("got %d failed records in state, expected 1", state.RecordsFailed)
	}

	err = db.LoginAttemptCleanup(ctxbg)
	tcheck(t, err, "cleanup")
}

func TestPermissionFor(t *testing.T) {
	db, dom, strict := tdb(t)

	acc, err := db.AccountByEmail(ctxbg, "info@oonru.example")
	tcheck(t, err, "account by email")

	perm := UserDomainPermission{AccountID: acc.ID, DomainID: dom.ID, CanSend: true}
	err = db.DB.Insert(ctxbg, &perm)
	tcheck(t, err, "insert permission")

	got, err := db.PermissionFor(ctxbg, acc.ID, dom.ID)
	tcheck(t, err, "permission for")
	if !got.CanSend || got.CanSendAs {
		t.Fatalf("got permission %+v", got)
	}

	if _, err := db.PermissionFor(ctxbg, acc.ID, strict.ID); err != bstore.ErrAbsent {
		t.Fatalf("got err %v, expected ErrAbsent", err)
	}
}
