// Package queue stores accepted messages for delivery.
//
// Each accepted SMTP transaction is split into delivery groups: one message
// per local destination domain, and one per external destination domain. The
// queue only records and stores; attempting delivery, retrying with backoff
// and expiring messages is up to the delivery process using this queue.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mjl-/bstore"
	"github.com/oklog/ulid/v2"

	"github.com/oonrumail/smtpd/dns"
	"github.com/oonrumail/smtpd/mailio"
	"github.com/oonrumail/smtpd/metrics"
	"github.com/oonrumail/smtpd/mlog"
	"github.com/oonrumail/smtpd/smtp"
)

// DBTypes are the types stored in the queue database.
var DBTypes = []any{Msg{}}

// Msg is a message in the delivery queue, for one destination domain. The
// message data is stored in a file next to the database, under the Msg ID.
type Msg struct {
	// ULID, lexicographically ordered by enqueue time.
	ID string

	Queued time.Time `bstore:"default now,index"`

	// Tenant the sending domain belongs to. Zero for inbound messages
	// from remote senders.
	OrgID int64

	SenderLocalpart smtp.Localpart
	SenderDomain    dns.IPDomain
	SenderDomainStr string `bstore:"index"` // For filtering, unicode.

	// All recipients in this group share the destination domain.
	RecipientDomain    dns.IPDomain
	RecipientDomainStr string   `bstore:"index"` // For filtering, unicode.
	Recipients         []string // Final recipient addresses.

	// External indicates the destination domain is not hosted here and the
	// message must be relayed. TargetDomain is then set, and is also
	// present in the stored message as an X-Target-Domain header.
	External     bool
	TargetDomain string

	Has8bit  bool // Whether message contains bytes with high bit set, needs 8BITMIME.
	SMTPUTF8 bool // Whether message requires SMTPUTF8.
	Size     int64
	// Used in a DSN References header when delivery fails.
	MessageID string

	// Headers the SMTP server generated, e.g. Received and
	// Authentication-Results. The stored message file is the prefix
	// followed by the data as received.
	MsgPrefix []byte

	Attempts    int
	LastAttempt *time.Time
	LastError   string
}

// Sender returns the envelope sender for use in MAIL FROM during delivery.
func (m Msg) Sender() smtp.Path {
	return smtp.Path{Localpart: m.SenderLocalpart, IPDomain: m.SenderDomain}
}

// MakeMsg is a convenience function that sets the commonly used fields for a
// Msg. Add will set the remaining queueing-related fields.
func MakeMsg(sender smtp.Path, rcptDomain dns.IPDomain, recipients []string, has8bit, smtputf8 bool, size int64, messageID string, prefix []byte) Msg {
	return Msg{
		SenderLocalpart: sender.Localpart,
		SenderDomain:    sender.IPDomain,
		RecipientDomain: rcptDomain,
		Recipients:      recipients,
		Has8bit:         has8bit,
		SMTPUTF8:        smtputf8,
		Size:            size,
		MessageID:       messageID,
		MsgPrefix:       prefix,
		Queued:          time.Now(),
	}
}

// Queue is an open queue database with its message files.
type Queue struct {
	DB  *bstore.DB
	dir string
	log mlog.Log
}

// Open opens the queue database under dataDir, creating the directory and
// database when needed.
func Open(ctx context.Context, dataDir string, log mlog.Log) (*Queue, error) {
	dir := filepath.Join(dataDir, "queue")
	os.MkdirAll(dir, 0770)
	qpath := filepath.Join(dir, "index.db")
	isNew := false
	if _, err := os.Stat(qpath); err != nil && os.IsNotExist(err) {
		isNew = true
	}
	db, err := bstore.Open(ctx, qpath, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660}, DBTypes...)
	if err != nil {
		if isNew {
			os.Remove(qpath)
		}
		return nil, fmt.Errorf("open queue database: %v", err)
	}
	return &Queue{DB: db, dir: dir, log: log.WithPkg("queue")}, nil
}

// Close closes the queue database.
func (q *Queue) Close() error {
	return q.DB.Close()
}

// MessagePath returns the path where the message data for id is stored.
func (q *Queue) MessagePath(id string) string {
	return filepath.Join(q.dir, id+".eml")
}

// Add adds one or more new messages to the queue, all for the same
// transaction, with data from msgFile. Each Msg gets its MsgPrefix written in
// front of the file data. IDs must be empty and are set by Add.
//
// If any insert or file write fails, the entire add is undone and no message
// is queued.
func (q *Queue) Add(ctx context.Context, log mlog.Log, msgFile *os.File, qml ...Msg) error {
	if len(qml) == 0 {
		return fmt.Errorf("must queue at least one message")
	}

	for i, qm := range qml {
		if qm.ID != "" {
			return fmt.Errorf("id of queued messages must be empty")
		}
		qml[i].ID = ulid.Make().String()
		qml[i].SenderDomainStr = formatIPDomain(qm.SenderDomain)
		qml[i].RecipientDomainStr = formatIPDomain(qm.RecipientDomain)
	}

	tx, err := q.DB.Begin(ctx, true)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if err := tx.Rollback(); err != nil {
				log.Errorx("rollback for queue", err)
			}
		}
	}()

	for i := range qml {
		if err := tx.Insert(&qml[i]); err != nil {
			return err
		}
	}

	var paths []string
	defer func() {
		for _, p := range paths {
			err := os.Remove(p)
			log.Check(err, "removing destination message file for queue", slog.String("path", p))
		}
	}()

	for _, qm := range qml {
		dst := q.MessagePath(qm.ID)
		paths = append(paths, dst)
		if err := q.writeMsgFile(dst, qm.MsgPrefix, msgFile); err != nil {
			return err
		}
	}
	if err := mailio.SyncDir(log, q.dir); err != nil {
		return fmt.Errorf("sync directory: %v", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %v", err)
	}
	tx = nil
	paths = nil

	for _, qm := range qml {
		kind := "local"
		if qm.External {
			kind = "external"
			metrics.MessageSentInc(qm.SenderDomainStr)
		}
		log.Info("message queued",
			slog.String("queuemsgid", qm.ID),
			slog.String("sender", qm.Sender().XString(true)),
			slog.String("rcptdomain", qm.RecipientDomainStr),
			slog.String("kind", kind),
			slog.Int64("size", qm.Size))
	}

	return nil
}

func (q *Queue) writeMsgFile(dst string, prefix []byte, msgFile *os.File) (rerr error) {
	if len(prefix) == 0 {
		// Without a prefix the queue file is identical to the data file, a
		// hardlink saves the copy when both are on the same file system.
		if _, err := msgFile.Seek(0, 0); err != nil {
			return fmt.Errorf("seek message data: %w", err)
		}
		return mailio.LinkOrCopy(q.log, dst, msgFile.Name(), msgFile, true)
	}

	df, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0660)
	if err != nil {
		return fmt.Errorf("create queue message file: %w", err)
	}
	defer func() {
		if df != nil {
			err := os.Remove(dst)
			q.log.Check(err, "removing partial queue message file")
			err = df.Close()
			q.log.Check(err, "closing partial queue message file")
		}
	}()
	if _, err := df.Write(prefix); err != nil {
		return fmt.Errorf("write message prefix: %w", err)
	}
	if _, err := msgFile.Seek(0, 0); err != nil {
		return fmt.Errorf("seek message data: %w", err)
	}
	if _, err := df.ReadFrom(msgFile); err != nil {
		return fmt.Errorf("write message data: %w", err)
	}
	if err := df.Sync(); err != nil {
		return fmt.Errorf("sync message file: %w", err)
	}
	err = df.Close()
	df = nil
	if err != nil {
		xerr := os.Remove(dst)
		q.log.Check(xerr, "removing queue message file after close error")
		return err
	}
	return nil
}

// Filter selects messages to list or operate on. Only non-empty/non-zero
// values are applied. Leaving all fields empty/zero matches all messages.
type Filter struct {
	IDs             []string
	SenderDomain    string
	RecipientDomain string
	External        *bool
	From            string // Substring match on sender address.
}

func (f Filter) apply(q *bstore.Query[Msg]) {
	if len(f.IDs) > 0 {
		ids := make([]any, len(f.IDs))
		for i, id := range f.IDs {
			ids[i] = id
		}
		q.FilterEqual("ID", ids...)
	}
	if f.SenderDomain != "" {
		q.FilterNonzero(Msg{SenderDomainStr: f.SenderDomain})
	}
	if f.RecipientDomain != "" {
		q.FilterNonzero(Msg{RecipientDomainStr: f.RecipientDomain})
	}
	if f.External != nil {
		q.FilterEqual("External", *f.External)
	}
	if f.From != "" {
		q.FilterFn(func(m Msg) bool {
			return strings.Contains(m.Sender().XString(true), f.From)
		})
	}
}

// List returns matching messages, oldest first.
func (q *Queue) List(ctx context.Context, f Filter) ([]Msg, error) {
	bq := bstore.QueryDB[Msg](ctx, q.DB)
	f.apply(bq)
	l, err := bq.List()
	if err != nil {
		return nil, err
	}
	sort.Slice(l, func(i, j int) bool {
		return l[i].ID < l[j].ID
	})
	return l, nil
}

// Count returns the number of messages in the queue.
func (q *Queue) Count(ctx context.Context) (int, error) {
	return bstore.QueryDB[Msg](ctx, q.DB).Count()
}

// Get returns the message by id.
func (q *Queue) Get(ctx context.Context, id string) (Msg, error) {
	m := Msg{ID: id}
	err := q.DB.Get(ctx, &m)
	return m, err
}

// Done removes a delivered or failed message from the queue, deleting its
// message file and recording how long it was queued.
func (q *Queue) Done(ctx context.Context, log mlog.Log, id string) error {
	m := Msg{ID: id}
	err := q.DB.Write(ctx, func(tx *bstore.Tx) error {
		if err := tx.Get(&m); err != nil {
			return err
		}
		return tx.Delete(&m)
	})
	if err != nil {
		return err
	}
	kind := "local"
	if m.External {
		kind = "external"
	}
	metrics.DeliveryDurationObserve(m.RecipientDomainStr, kind, time.Since(m.Queued).Seconds())
	p := q.MessagePath(id)
	err = os.Remove(p)
	log.Check(err, "removing queue message file", slog.String("path", p))
	return nil
}

// RetryAdd records a failed delivery attempt for later retry by the delivery
// process.
func (q *Queue) RetryAdd(ctx context.Context, id string, deliveryErr error) error {
	return q.DB.Write(ctx, func(tx *bstore.Tx) error {
		m := Msg{ID: id}
		if err := tx.Get(&m); err != nil {
			return err
		}
		m.Attempts++
		now := time.Now()
		m.LastAttempt = &now
		m.LastError = deliveryErr.Error()
		return tx.Update(&m)
	})
}

func formatIPDomain(d dns.IPDomain) string {
	if len(d.IP) > 0 {
		return "[" + d.IP.String() + "]"
	}
	return d.Domain.Name()
}
