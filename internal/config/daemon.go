package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/BurntSushi/toml"

	"munin/internal/identity"
)

const DefaultDaemonName = "munind"

// Daemon is the persisted state of a serving node.
type Daemon struct {
	path    string
	Name    string
	Secret  identity.SecretKey
	Allowed *AllowList
}

type daemonFile struct {
	Name         string   `toml:"name"`
	SecretKey    string   `toml:"secret_key"`
	AllowedNodes []string `toml:"allowed_nodes"`
}

// LoadOrCreateDaemon reads the daemon config at path. A missing file yields a
// fresh identity with an empty allow list, written before returning.
// created reports which of the two happened.
func LoadOrCreateDaemon(path string, log *slog.Logger) (d *Daemon, created bool, err error) {
	if log == nil {
		log = slog.Default()
	}
	d, err = LoadDaemon(path)
	if err == nil {
		log.Info("loaded config", "path", path, "node", d.Secret.Public().ShortString(), "allowed", d.Allowed.Len())
		return d, false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, err
	}
	secret, err := identity.GenerateSecretKey()
	if err != nil {
		return nil, false, &Error{Op: "create", Path: path, Err: err}
	}
	d = &Daemon{path: path, Name: DefaultDaemonName, Secret: secret, Allowed: NewAllowList()}
	if err := d.Save(); err != nil {
		return nil, false, err
	}
	log.Info("created config", "path", path, "node", secret.Public().ShortString())
	return d, true, nil
}

// LoadDaemon reads an existing daemon config.
func LoadDaemon(path string) (*Daemon, error) {
	var f daemonFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, &Error{Op: "load", Path: path, Err: err}
	}
	secret, err := identity.ParseSecretKey(f.SecretKey)
	if err != nil {
		return nil, &Error{Op: "load", Path: path, Err: err}
	}
	allowed, err := parseNodeIDs(f.AllowedNodes)
	if err != nil {
		return nil, &Error{Op: "load", Path: path, Err: fmt.Errorf("allowed_nodes: %w", err)}
	}
	name := f.Name
	if name == "" {
		name = DefaultDaemonName
	}
	return &Daemon{path: path, Name: name, Secret: secret, Allowed: NewAllowList(allowed...)}, nil
}

func (d *Daemon) Path() string {
	return d.path
}

// Save persists the daemon state atomically.
func (d *Daemon) Save() error {
	ids := d.Allowed.Snapshot().IDs()
	f := daemonFile{
		Name:         d.Name,
		SecretKey:    d.Secret.Encode(),
		AllowedNodes: make([]string, 0, len(ids)),
	}
	for _, id := range ids {
		f.AllowedNodes = append(f.AllowedNodes, id.String())
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(f); err != nil {
		return &Error{Op: "encode", Path: d.path, Err: err}
	}
	if err := writeFileAtomic(d.path, buf.Bytes()); err != nil {
		return &Error{Op: "save", Path: d.path, Err: err}
	}
	return nil
}

// Reload re-reads the allow list from disk, leaving identity untouched.
func (d *Daemon) Reload() error {
	fresh, err := LoadDaemon(d.path)
	if err != nil {
		return err
	}
	if fresh.Secret.Public() != d.Secret.Public() {
		return &Error{Op: "reload", Path: d.path, Err: errors.New("secret key changed on disk; restart required")}
	}
	d.Allowed.Replace(fresh.Allowed.Snapshot().IDs())
	return nil
}

// ParseNodeList parses a comma separated list of node ids, as accepted in
// MUNIN_ALLOWED_NODES. Empty entries are skipped.
func ParseNodeList(s string) ([]identity.NodeID, error) {
	var parts []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parseNodeIDs(parts)
}

func parseNodeIDs(in []string) ([]identity.NodeID, error) {
	out := make([]identity.NodeID, 0, len(in))
	for _, s := range in {
		id, err := identity.ParseNodeID(s)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", s, err)
		}
		out = append(out, id)
	}
	return out, nil
}
