package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/mjl-/bstore"

	"github.com/oonrumail/smtpd/dns"
	"github.com/oonrumail/smtpd/mlog"
	"github.com/oonrumail/smtpd/smtp"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func xparseIPDomain(s string) dns.IPDomain {
	d, err := dns.ParseDomain(s)
	if err != nil {
		panic(fmt.Sprintf("parsing domain %q: %v", s, err))
	}
	return dns.IPDomain{Domain: d}
}

func TestQueue(t *testing.T) {
	log := mlog.New("queue", nil)
	dir := t.TempDir()

	q, err := Open(ctxbg, dir, log)
	tcheck(t, err, "open queue")
	defer func() {
		err := q.Close()
		tcheck(t, err, "closing queue")
	}()

	msgFile, err := os.CreateTemp(dir, "msg")
	tcheck(t, err, "creating message file")
	defer os.Remove(msgFile.Name())
	defer msgFile.Close()
	data := "Subject: test\r\n\r\nhello\r\n"
	_, err = msgFile.WriteString(data)
	tcheck(t, err, "writing message file")

	sender := smtp.Path{Localpart: "info", IPDomain: xparseIPDomain("oonru.example")}
	prefix := []byte("Received: from remote.example\r\n")

	local := MakeMsg(sender, xparseIPDomain("oonru.example"), []string{"contact@oonru.example"}, false, false, int64(len(prefix)+len(data)), "mid1@oonru.example", prefix)
	external := MakeMsg(sender, xparseIPDomain("external.example"), []string{"a@external.example", "b@external.example"}, false, false, int64(len(prefix)+len(data)), "mid1@oonru.example", prefix)
	external.External = true
	external.TargetDomain = "external.example"

	err = q.Add(ctxbg, log, msgFile, local, external)
	tcheck(t, err, "adding messages")

	n, err := q.Count(ctxbg)
	tcheck(t, err, "count")
	if n != 2 {
		t.Fatalf("got %d messages in queue, expected 2", n)
	}

	l, err := q.List(ctxbg, Filter{})
	tcheck(t, err, "list")
	if len(l) != 2 {
		t.Fatalf("got %d messages, expected 2", len(l))
	}
	for _, m := range l {
		if m.ID == "" {
			t.Fatalf("queued message without id")
		}
		if m.SenderDomainStr != "oonru.example" {
			t.Fatalf("got sender domain %q, expected oonru.example", m.SenderDomainStr)
		}
		buf, err := os.ReadFile(q.MessagePath(m.ID))
		tcheck(t, err, "reading queued message file")
		if string(buf) != string(prefix)+data {
			t.Fatalf("got message file %q, expected prefix plus data", buf)
		}
	}

	ext := true
	l, err = q.List(ctxbg, Filter{External: &ext})
	tcheck(t, err, "list external")
	if len(l) != 1 || l[0].TargetDomain != "external.example" {
		t.Fatalf("got %v, expected single external message for external.example", l)
	}
	if len(l[0].Recipients) != 2 {
		t.Fatalf("got %d recipients, expected 2", len(l[0].Recipients))
	}

	l, err = q.List(ctxbg, Filter{RecipientDomain: "oonru.example"})
	tcheck(t, err, "list by recipient domain")
	if len(l) != 1 || l[0].External {
		t.Fatalf("got %v, expected single local message", l)
	}
	localID := l[0].ID

	// Failed attempts are recorded for the delivery process.
	err = q.RetryAdd(ctxbg, localID, errors.New("connection refused"))
	tcheck(t, err, "registering failed attempt")
	m, err := q.Get(ctxbg, localID)
	tcheck(t, err, "get message")
	if m.Attempts != 1 || m.LastAttempt == nil || m.LastError != "connection refused" {
		t.Fatalf("got attempts %d, last attempt %v, last error %q after retryadd", m.Attempts, m.LastAttempt, m.LastError)
	}

	// Done removes record and file.
	err = q.Done(ctxbg, log, localID)
	tcheck(t, err, "removing delivered message")
	if _, err := os.Stat(q.MessagePath(localID)); !os.IsNotExist(err) {
		t.Fatalf("message file still present after done: %v", err)
	}
	_, err = q.Get(ctxbg, localID)
	if err != bstore.ErrAbsent {
		t.Fatalf("got %v, expected ErrAbsent after done", err)
	}

	n, err = q.Count(ctxbg)
	tcheck(t, err, "count after done")
	if n != 1 {
		t.Fatalf("got %d messages, expected 1", n)
	}

	// Adding a message with an id set is refused.
	bad := MakeMsg(sender, xparseIPDomain("oonru.example"), []string{"x@oonru.example"}, false, false, 10, "", nil)
	bad.ID = "already"
	if err := q.Add(ctxbg, log, msgFile, bad); err == nil {
		t.Fatalf("add with preset id did not fail")
	}

	// Queue directory is a flat dir of message files next to index.db.
	if _, err := os.Stat(filepath.Join(dir, "queue", "index.db")); err != nil {
		t.Fatalf("queue database missing: %v", err)
	}
}

func TestQueueNoPrefix(t *testing.T) {
	log := mlog.New("queue", nil)
	dir := t.TempDir()

	q, err := Open(ctxbg, dir, log)
	tcheck(t, err, "open queue")
	defer func() {
		err := q.Close()
		tcheck(t, err, "closing queue")
	}()

	msgFile, err := os.CreateTemp(dir, "msg")
	tcheck(t, err, "creating message file")
	defer os.Remove(msgFile.Name())
	defer msgFile.Close()
	data := "Subject: bounce\r\n\r\nundeliverable\r\n"
	_, err = msgFile.WriteString(data)
	tcheck(t, err, "writing message file")

	// Messages without a prefix, like DSNs, are stored as a copy or hardlink
	// of the data file itself.
	m := MakeMsg(smtp.Path{}, xparseIPDomain("external.example"), []string{"a@external.example"}, false, false, int64(len(data)), "mid2@oonru.example", nil)
	err = q.Add(ctxbg, log, msgFile, m)
	tcheck(t, err, "adding message without prefix")

	l, err := q.List(ctxbg, Filter{})
	tcheck(t, err, "list")
	if len(l) != 1 {
		t.Fatalf("got %d messages, expected 1", len(l))
	}
	buf, err := os.ReadFile(q.MessagePath(l[0].ID))
	tcheck(t, err, "reading queued message file")
	if string(buf) != data {
		t.Fatalf("got message file %q, expected the data without prefix", buf)
	}
}
