package store

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/mjl-/bstore"

	"github.com/oonrumail/smtpd/metrics"
)

// DomainCache keeps active domains in memory, refreshed periodically, so the
// SMTP hot path does not hit the database for every MAIL/RCPT command.
// Lookups for domains not in the cache fall through to the database and are
// cached negatively until the next refresh.
type DomainCache struct {
	db       *Database
	interval time.Duration

	sync.RWMutex
	domains map[string]Domain // Lower-case ASCII name.
	missing map[string]bool

	stop chan chan struct{}
}

// NewDomainCache loads all active domains and starts a refresh goroutine.
// Call Stop when done.
func NewDomainCache(ctx context.Context, db *Database, interval time.Duration) (*DomainCache, error) {
	c := &DomainCache{
		db:       db,
		interval: interval,
		missing:  map[string]bool{},
		stop:     make(chan chan struct{}),
	}
	if err := c.refresh(ctx); err != nil {
		return nil, err
	}
	go c.run()
	return c, nil
}

func (c *DomainCache) run() {
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		c.db.log.Error("unhandled panic in domain cache refresh")
		debug.PrintStack()
		metrics.PanicInc(metrics.Store)
	}()

	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		select {
		case stopc := <-c.stop:
			stopc <- struct{}{}
			return
		case <-t.C:
			err := c.refresh(context.Background())
			c.db.log.Check(err, "refreshing domain cache")
		}
	}
}

// Stop halts the refresh goroutine.
func (c *DomainCache) Stop() {
	stopc := make(chan struct{})
	c.stop <- stopc
	<-stopc
}

func (c *DomainCache) refresh(ctx context.Context) error {
	l, err := bstore.QueryDB[Domain](ctx, c.db.DB).FilterNonzero(Domain{Active: true}).List()
	if err != nil {
		return err
	}
	m := make(map[string]Domain, len(l))
	for _, dom := range l {
		m[dom.Name] = dom
	}
	c.Lock()
	c.domains = m
	c.missing = map[string]bool{}
	c.Unlock()
	return nil
}

// Get returns the active domain for name (ASCII, any case), or false if the
// domain is not hosted here or not active.
func (c *DomainCache) Get(ctx context.Context, name string) (Domain, bool) {
	name = strings.ToLower(name)

	c.RLock()
	dom, ok := c.domains[name]
	miss := c.missing[name]
	c.RUnlock()
	if ok {
		return dom, true
	}
	if miss {
		return Domain{}, false
	}

	// A domain added since the last refresh. Look it up once and remember
	// the result either way.
	dom, err := c.db.DomainByName(ctx, name)
	if err != nil {
		if err != bstore.ErrAbsent {
			c.db.log.Errorx("domain lookup", err)
		}
		c.Lock()
		c.missing[name] = true
		c.Unlock()
		return Domain{}, false
	}
	if !dom.Active {
		c.Lock()
		c.missing[name] = true
		c.Unlock()
		return Domain{}, false
	}
	c.Lock()
	c.domains[name] = dom
	c.Unlock()
	return dom, true
}
