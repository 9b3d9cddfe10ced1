// Package store provides access to the domain, account and recipient
// database, using the bstore database library on top of bolt.
//
// The database holds the multi-tenant routing data: organizations, their
// domains with per-domain policies, mailboxes, aliases and distribution
// lists, and per-account sending permissions. It also keeps an audit trail
// of login attempts.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mjl-/bstore"

	"github.com/oonrumail/smtpd/mlog"
)

// DBTypes are the types stored in the database.
var DBTypes = []any{Org{}, Domain{}, Account{}, Mailbox{}, Alias{}, DistributionList{}, UserDomainPermission{}, LoginAttempt{}, LoginAttemptState{}}

// Org is a tenant organization. Domains and accounts belong to exactly one
// organization.
type Org struct {
	ID      int64
	Name    string    `bstore:"nonzero,unique"`
	Created time.Time `bstore:"nonzero,default now"`
}

// Domain is a domain email is accepted and/or sent for, with its delivery
// policies and the state of its DNS verification.
type Domain struct {
	ID    int64
	OrgID int64 `bstore:"nonzero,ref Org,index"`

	// Name is the domain in its ASCII form, lower-case.
	Name   string `bstore:"nonzero,unique"`
	Active bool

	// Results of the periodic DNS checks. A domain only gets outbound DKIM
	// signatures once DKIMVerified is set.
	MXVerified    bool
	SPFVerified   bool
	DKIMVerified  bool
	DMARCVerified bool
	DKIMSelector  string

	Policies DomainPolicies

	Created time.Time `bstore:"nonzero,default now"`
}

// DomainPolicies are per-domain delivery and submission policies.
type DomainPolicies struct {
	// Maximum incoming message size in bytes for this domain. If zero, the
	// listener maximum applies.
	MaxMessageSize int64

	// Require a TLS connection for deliveries to this domain.
	RequireTLS bool

	// Allow accounts of this domain to send to recipients at other domains.
	AllowExternalRelay bool

	// Deliver messages for unknown local parts to CatchAllAddress instead of
	// rejecting them.
	CatchAllEnabled bool
	CatchAllAddress string

	// Reject messages for unknown local parts. Only meaningful when catch-all
	// is disabled.
	RejectUnknownUsers bool

	// Outbound rate limits for accounts of this domain. Zero means no limit.
	RateLimitPerHour int
	RateLimitPerDay  int
}

// Account is a user that can authenticate and submit messages.
type Account struct {
	ID    int64
	OrgID int64 `bstore:"nonzero,ref Org,index"`

	// Email is the login address, lower-case.
	Email string `bstore:"nonzero,unique"`

	// PasswordHash is a bcrypt hash. Empty means password login is not
	// possible for this account.
	PasswordHash string

	Disabled bool

	Created time.Time `bstore:"nonzero,default now"`
}

// Mailbox is a deliverable address belonging to an account.
type Mailbox struct {
	ID        int64
	DomainID  int64 `bstore:"nonzero,ref Domain,index"`
	AccountID int64 `bstore:"nonzero,ref Account,index"`

	// Address is localpart@domain, lower-case.
	Address string `bstore:"nonzero,unique"`
	Active  bool
}

// Alias forwards messages for one address to another address, possibly at
// another domain.
type Alias struct {
	ID       int64
	DomainID int64 `bstore:"nonzero,ref Domain,index"`

	Address       string `bstore:"nonzero,unique"`
	TargetAddress string `bstore:"nonzero"`
	Active        bool
}

// DistributionList expands one address into a list of member addresses.
type DistributionList struct {
	ID       int64
	DomainID int64 `bstore:"nonzero,ref Domain,index"`

	Address string `bstore:"nonzero,unique"`
	Members []string
	Active  bool
}

// UserDomainPermission is the sending permission of an account for a domain.
// An account without a permission record for a domain cannot send for that
// domain.
type UserDomainPermission struct {
	ID        int64
	AccountID int64 `bstore:"nonzero,ref Account"`
	DomainID  int64 `bstore:"nonzero,ref Domain,index"`

	// CanSend allows submitting messages with a MAIL FROM at this domain
	// matching the account's own address.
	CanSend bool

	// CanSendAs additionally allows the addresses in AllowedSendAsAddresses,
	// or any address at the domain if the list is empty.
	CanSendAs              bool
	AllowedSendAsAddresses []string

	// Maximum number of messages per day. Zero means no limit.
	DailySendLimit int
}

// Database is an open handle on the store database.
type Database struct {
	DB  *bstore.DB
	log mlog.Log

	writeLoginAttempt     chan LoginAttempt
	writeLoginAttemptStop chan chan struct{}
}

// Open opens (creating if needed) the database at dataDir/smtpd.db and
// starts the background login attempt writer.
func Open(ctx context.Context, dataDir string, log mlog.Log) (*Database, error) {
	p := filepath.Join(dataDir, "smtpd.db")
	os.MkdirAll(filepath.Dir(p), 0770)
	opts := bstore.Options{Timeout: 5 * time.Second, Perm: 0660}
	db, err := bstore.Open(ctx, p, &opts, DBTypes...)
	if err != nil {
		return nil, fmt.Errorf("open %s: %v", p, err)
	}
	d := &Database{DB: db, log: log}
	d.startLoginAttemptWriter()
	return d, nil
}

// Close flushes pending login attempt writes and closes the database.
func (d *Database) Close() error {
	stopc := make(chan struct{})
	d.writeLoginAttemptStop <- stopc
	<-stopc
	return d.DB.Close()
}

// CanonicalAddress returns the canonical form of an address for database
// lookups: lower-cased localpart and domain.
func CanonicalAddress(localpart, domain string) string {
	return strings.ToLower(localpart) + "@" + strings.ToLower(domain)
}

// DomainByName returns the domain record for name (ASCII, any case).
// Returns bstore.ErrAbsent if the domain is not known.
func (d *Database) DomainByName(ctx context.Context, name string) (Domain, error) {
	return bstore.QueryDB[Domain](ctx, d.DB).FilterNonzero(Domain{Name: strings.ToLower(name)}).Get()
}

// AccountByEmail returns the account with the login address email.
// Returns bstore.ErrAbsent if no such account exists.
func (d *Database) AccountByEmail(ctx context.Context, email string) (Account, error) {
	return bstore.QueryDB[Account](ctx, d.DB).FilterNonzero(Account{Email: strings.ToLower(email)}).Get()
}

// PermissionFor returns the sending permission of an account for a domain.
// Returns bstore.ErrAbsent if no permission record exists.
func (d *Database) PermissionFor(ctx context.Context, accountID, domainID int64) (UserDomainPermission, error) {
	q := bstore.QueryDB[UserDomainPermission](ctx, d.DB)
	q.FilterNonzero(UserDomainPermission{AccountID: accountID, DomainID: domainID})
	return q.Get()
}
