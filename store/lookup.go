package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/mjl-/bstore"
)

// RecipientType is the kind of record a recipient address resolved to.
type RecipientType string

const (
	RecipientMailbox          RecipientType = "mailbox"
	RecipientAlias            RecipientType = "alias"
	RecipientDistributionList RecipientType = "distributionlist"
	RecipientCatchAll         RecipientType = "catchall"
)

// RecipientResult is the outcome of resolving a recipient address at a local
// domain.
type RecipientResult struct {
	Found bool

	// Type of the record the address matched directly, before any alias or
	// list expansion.
	Type RecipientType

	// FinalRecipients are the fully resolved delivery addresses, after
	// following alias chains and expanding distribution lists. Addresses at
	// domains not hosted here are kept as-is.
	FinalRecipients []string
}

// Lookups follow at most this many alias hops per address, to stop loops
// that the visited-set does not catch across domains.
const maxAliasDepth = 10

var errAliasLoop = fmt.Errorf("alias loop")

// LookupRecipient resolves address (localpart@domain, any case) within
// domain dom. Matching is attempted in order: mailbox, alias, distribution
// list, catch-all. The first match wins. Inactive records do not match.
//
// Found false with a nil error means the address does not exist at this
// domain.
func (d *Database) LookupRecipient(ctx context.Context, dom Domain, address string) (RecipientResult, error) {
	var res RecipientResult
	err := d.DB.Read(ctx, func(tx *bstore.Tx) error {
		addr := strings.ToLower(address)

		if mb, err := lookupMailbox(tx, dom.ID, addr); err != nil {
			return err
		} else if mb != nil {
			res = RecipientResult{Found: true, Type: RecipientMailbox, FinalRecipients: []string{mb.Address}}
			return nil
		}

		if a, err := lookupAlias(tx, dom.ID, addr); err != nil {
			return err
		} else if a != nil {
			final, err := resolveAddress(tx, a.TargetAddress, map[string]bool{addr: true}, maxAliasDepth)
			if err != nil {
				return err
			}
			res = RecipientResult{Found: true, Type: RecipientAlias, FinalRecipients: final}
			return nil
		}

		if dl, err := lookupList(tx, dom.ID, addr); err != nil {
			return err
		} else if dl != nil {
			var final []string
			seen := map[string]bool{addr: true}
			for _, m := range dl.Members {
				l, err := resolveAddress(tx, m, seen, maxAliasDepth)
				if err != nil {
					return err
				}
				final = append(final, l...)
			}
			res = RecipientResult{Found: true, Type: RecipientDistributionList, FinalRecipients: final}
			return nil
		}

		if dom.Policies.CatchAllEnabled && dom.Policies.CatchAllAddress != "" {
			final, err := resolveAddress(tx, dom.Policies.CatchAllAddress, map[string]bool{addr: true}, maxAliasDepth)
			if err != nil {
				return err
			}
			res = RecipientResult{Found: true, Type: RecipientCatchAll, FinalRecipients: final}
			return nil
		}

		return nil
	})
	return res, err
}

// resolveAddress follows address through aliases and distribution lists to
// delivery addresses. Addresses at domains not in the database are returned
// as-is. Addresses already in seen are skipped, breaking delivery loops.
func resolveAddress(tx *bstore.Tx, address string, seen map[string]bool, depth int) ([]string, error) {
	addr := strings.ToLower(address)
	if seen[addr] {
		return nil, nil
	}
	seen[addr] = true
	if depth <= 0 {
		return nil, errAliasLoop
	}

	_, domain, found := strings.Cut(addr, "@")
	if !found {
		return nil, fmt.Errorf("malformed address %q", address)
	}
	dom, err := bstore.QueryTx[Domain](tx).FilterNonzero(Domain{Name: domain}).Get()
	if err == bstore.ErrAbsent {
		// External address, keep as-is.
		return []string{addr}, nil
	} else if err != nil {
		return nil, err
	}

	if mb, err := lookupMailbox(tx, dom.ID, addr); err != nil {
		return nil, err
	} else if mb != nil {
		return []string{mb.Address}, nil
	}

	if a, err := lookupAlias(tx, dom.ID, addr); err != nil {
		return nil, err
	} else if a != nil {
		return resolveAddress(tx, a.TargetAddress, seen, depth-1)
	}

	if dl, err := lookupList(tx, dom.ID, addr); err != nil {
		return nil, err
	} else if dl != nil {
		var final []string
		for _, m := range dl.Members {
			l, err := resolveAddress(tx, m, seen, depth-1)
			if err != nil {
				return nil, err
			}
			final = append(final, l...)
		}
		return final, nil
	}

	// Local domain but unknown address. The alias or list was misconfigured,
	// keep the address so delivery can generate a bounce.
	return []string{addr}, nil
}

func lookupMailbox(tx *bstore.Tx, domainID int64, addr string) (*Mailbox, error) {
	mb, err := bstore.QueryTx[Mailbox](tx).FilterNonzero(Mailbox{DomainID: domainID, Address: addr}).Get()
	if err == bstore.ErrAbsent {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if !mb.Active {
		return nil, nil
	}
	return &mb, nil
}

func lookupAlias(tx *bstore.Tx, domainID int64, addr string) (*Alias, error) {
	a, err := bstore.QueryTx[Alias](tx).FilterNonzero(Alias{DomainID: domainID, Address: addr}).Get()
	if err == bstore.ErrAbsent {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if !a.Active {
		return nil, nil
	}
	return &a, nil
}

func lookupList(tx *bstore.Tx, domainID int64, addr string) (*DistributionList, error) {
	dl, err := bstore.QueryTx[DistributionList](tx).FilterNonzero(DistributionList{DomainID: domainID, Address: addr}).Get()
	if err == bstore.ErrAbsent {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if !dl.Active {
		return nil, nil
	}
	return &dl, nil
}
