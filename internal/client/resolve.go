// Package client resolves target specifiers to nodes and sends one request
// to each of them concurrently, collecting an independent outcome per
// target.
package client

import (
	"errors"
	"fmt"
	"strings"

	"munin/internal/config"
	"munin/internal/identity"
)

var ErrUnknownTarget = errors.New("neither node id, ticket nor known alias")

// Target is a resolved node to contact. A target whose specifier could not
// be resolved carries Err and is reported without being dialled.
type Target struct {
	Spec  string
	Name  string
	ID    identity.NodeID
	Addrs []string
	Err   error
}

// Label is the alias name when one is known, otherwise the node id.
func (t Target) Label() string {
	switch {
	case t.Name != "":
		return t.Name
	case !t.ID.IsZero():
		return t.ID.String()
	default:
		return t.Spec
	}
}

type Resolver struct {
	aliases *config.AliasTable
	book    *config.AddressBook
}

// NewResolver resolves against the given alias table and address book;
// either may be nil.
func NewResolver(aliases *config.AliasTable, book *config.AddressBook) *Resolver {
	if aliases == nil {
		aliases = config.NewAliasTable()
	}
	if book == nil {
		book = config.NewAddressBook()
	}
	return &Resolver{aliases: aliases, book: book}
}

// Resolve maps specifiers to targets, one per specifier and in the same
// order. With no specifiers every alias is targeted, in table order.
func (r *Resolver) Resolve(specs []string) []Target {
	if len(specs) == 0 {
		entries := r.aliases.Entries()
		out := make([]Target, 0, len(entries))
		for _, e := range entries {
			out = append(out, Target{Spec: e.Name, Name: e.Name, ID: e.ID, Addrs: r.book.Lookup(e.ID)})
		}
		return out
	}
	out := make([]Target, 0, len(specs))
	for _, spec := range specs {
		out = append(out, r.resolve(spec))
	}
	return out
}

// resolve applies the precedence raw node id, ticket, alias.
func (r *Resolver) resolve(spec string) Target {
	s := strings.TrimSpace(spec)
	if id, err := identity.ParseNodeID(s); err == nil {
		name, _ := r.aliases.NameOf(id)
		return Target{Spec: spec, Name: name, ID: id, Addrs: r.book.Lookup(id)}
	}
	if strings.HasPrefix(s, identity.TicketPrefix) {
		t, err := identity.ParseTicket(s)
		if err != nil {
			return Target{Spec: spec, Err: &Error{Kind: KindResolve, Target: spec, Err: err}}
		}
		name, _ := r.aliases.NameOf(t.NodeID)
		return Target{Spec: spec, Name: name, ID: t.NodeID, Addrs: mergeAddrs(t.Addrs, r.book.Lookup(t.NodeID))}
	}
	if id, ok := r.aliases.Lookup(s); ok {
		return Target{Spec: spec, Name: s, ID: id, Addrs: r.book.Lookup(id)}
	}
	return Target{Spec: spec, Err: &Error{Kind: KindResolve, Target: spec, Err: fmt.Errorf("%w: %q", ErrUnknownTarget, s)}}
}

// mergeAddrs keeps first-seen order so fresh ticket hints are dialled
// before stored ones.
func mergeAddrs(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, l := range lists {
		for _, a := range l {
			if _, ok := seen[a]; ok {
				continue
			}
			seen[a] = struct{}{}
			out = append(out, a)
		}
	}
	return out
}
