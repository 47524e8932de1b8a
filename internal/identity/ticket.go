package identity

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"strings"
)

const (
	TicketPrefix     = "munin://"
	maxTicketPayload = 2048
	maxAddrHintLen   = 256
)

// Ticket bundles a NodeID with the addresses it was last reachable at, so
// a peer can be dialled without a prior alias entry.
type Ticket struct {
	NodeID NodeID   `json:"node_id"`
	Addrs  []string `json:"addrs,omitempty"`
}

func NewTicket(id NodeID, addrs []string) Ticket {
	out := make([]string, len(addrs))
	copy(out, addrs)
	return Ticket{NodeID: id, Addrs: out}
}

// Encode renders munin://base64url(json(ticket)).
func (t Ticket) Encode() (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("marshal ticket: %w", err)
	}
	return TicketPrefix + base64.RawURLEncoding.EncodeToString(data), nil
}

func (t Ticket) String() string {
	s, err := t.Encode()
	if err != nil {
		return TicketPrefix + "?"
	}
	return s
}

// ParseTicket decodes a ticket. Address hints that are not host:port pairs
// are dropped rather than failing the whole ticket.
func ParseTicket(s string) (Ticket, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, TicketPrefix) {
		return Ticket{}, fmt.Errorf("invalid ticket: missing %s prefix", TicketPrefix)
	}
	encoded := strings.TrimPrefix(s, TicketPrefix)
	if encoded == "" {
		return Ticket{}, fmt.Errorf("invalid ticket: empty payload")
	}
	if len(encoded) > maxTicketPayload {
		return Ticket{}, fmt.Errorf("invalid ticket: payload too long (%d > %d)", len(encoded), maxTicketPayload)
	}
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Ticket{}, fmt.Errorf("decode ticket: %w", err)
	}
	var t Ticket
	if err := json.Unmarshal(data, &t); err != nil {
		return Ticket{}, fmt.Errorf("unmarshal ticket: %w", err)
	}
	if t.NodeID.IsZero() {
		return Ticket{}, fmt.Errorf("invalid ticket: missing node_id")
	}
	valid := make([]string, 0, len(t.Addrs))
	for _, addr := range t.Addrs {
		addr = strings.TrimSpace(addr)
		if addr == "" || len(addr) > maxAddrHintLen {
			continue
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			continue
		}
		valid = append(valid, addr)
	}
	t.Addrs = valid
	return t, nil
}

// ParseIDOrTicket accepts either a bare node id or a ticket, returning the
// id and any address hints.
func ParseIDOrTicket(s string) (NodeID, []string, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, TicketPrefix) {
		t, err := ParseTicket(s)
		if err != nil {
			return NodeID{}, nil, err
		}
		return t.NodeID, t.Addrs, nil
	}
	id, err := ParseNodeID(s)
	if err != nil {
		return NodeID{}, nil, err
	}
	return id, nil, nil
}
