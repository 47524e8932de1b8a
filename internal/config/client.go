package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/BurntSushi/toml"

	"munin/internal/identity"
)

// Client is the persisted state of the operator CLI: its own identity, the
// node aliases and any address hints learned from tickets.
type Client struct {
	path      string
	Secret    identity.SecretKey
	Nodes     *AliasTable
	Addresses *AddressBook
}

type clientFile struct {
	SecretKey string              `toml:"secret_key"`
	Nodes     map[string]string   `toml:"nodes"`
	Addresses map[string][]string `toml:"addresses,omitempty"`
}

func LoadOrCreateClient(path string, log *slog.Logger) (c *Client, created bool, err error) {
	if log == nil {
		log = slog.Default()
	}
	c, err = LoadClient(path)
	if err == nil {
		log.Debug("loaded config", "path", path, "nodes", c.Nodes.Len())
		return c, false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, err
	}
	secret, err := identity.GenerateSecretKey()
	if err != nil {
		return nil, false, &Error{Op: "create", Path: path, Err: err}
	}
	c = &Client{path: path, Secret: secret, Nodes: NewAliasTable(), Addresses: NewAddressBook()}
	if err := c.Save(); err != nil {
		return nil, false, err
	}
	log.Info("created config", "path", path, "node", secret.Public().ShortString())
	return c, true, nil
}

func LoadClient(path string) (*Client, error) {
	var f clientFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, &Error{Op: "load", Path: path, Err: err}
	}
	secret, err := identity.ParseSecretKey(f.SecretKey)
	if err != nil {
		return nil, &Error{Op: "load", Path: path, Err: err}
	}
	c := &Client{path: path, Secret: secret, Nodes: NewAliasTable(), Addresses: NewAddressBook()}
	for name, s := range f.Nodes {
		id, err := identity.ParseNodeID(s)
		if err != nil {
			return nil, &Error{Op: "load", Path: path, Err: fmt.Errorf("nodes.%s: %w", name, err)}
		}
		if err := c.Nodes.Add(name, id); err != nil {
			return nil, &Error{Op: "load", Path: path, Err: err}
		}
	}
	for s, addrs := range f.Addresses {
		id, err := identity.ParseNodeID(s)
		if err != nil {
			return nil, &Error{Op: "load", Path: path, Err: fmt.Errorf("addresses: %w", err)}
		}
		c.Addresses.Merge(id, addrs...)
	}
	return c, nil
}

func (c *Client) Path() string {
	return c.path
}

func (c *Client) Save() error {
	f := clientFile{
		SecretKey: c.Secret.Encode(),
		Nodes:     make(map[string]string, c.Nodes.Len()),
		Addresses: make(map[string][]string),
	}
	for _, a := range c.Nodes.Entries() {
		f.Nodes[a.Name] = a.ID.String()
	}
	for id, addrs := range c.Addresses.addrs {
		f.Addresses[id.String()] = addrs
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(f); err != nil {
		return &Error{Op: "encode", Path: c.path, Err: err}
	}
	if err := writeFileAtomic(c.path, buf.Bytes()); err != nil {
		return &Error{Op: "save", Path: c.path, Err: err}
	}
	return nil
}

// Forget drops name and, when no other alias still points at the same
// node, its address hints.
func (c *Client) Forget(name string) bool {
	id, ok := c.Nodes.Lookup(name)
	if !ok {
		return false
	}
	c.Nodes.Remove(name)
	if _, still := c.Nodes.NameOf(id); !still {
		c.Addresses.Remove(id)
	}
	return true
}
