package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultRuntimeBase is the runtime root hipd uses unless told otherwise.
const DefaultRuntimeBase = "/run/hip"

// RuntimeDirs holds the runtime paths for hipd:
//
//	{base}/          - runtime root
//	{base}/db/       - signal log database
//	{base}/.lock     - single-instance lock
//	{base}-sock/     - debug service socket directory
//
// RuntimeDirs is immutable after construction.
type RuntimeDirs struct {
	base string
	db   string
	sock string
	lock string
}

// DefaultRuntimeDirs returns RuntimeDirs rooted at DefaultRuntimeBase.
func DefaultRuntimeDirs() RuntimeDirs {
	dirs, err := NewRuntimeDirs(DefaultRuntimeBase)
	if err != nil {
		panic(fmt.Sprintf("DefaultRuntimeDirs: %v", err))
	}
	return dirs
}

// NewRuntimeDirs derives every runtime path from base, which must be
// absolute.
func NewRuntimeDirs(base string) (RuntimeDirs, error) {
	if base == "" {
		return RuntimeDirs{}, fmt.Errorf("base path cannot be empty")
	}
	if !filepath.IsAbs(base) {
		return RuntimeDirs{}, fmt.Errorf("base path must be absolute, got %q", base)
	}
	base = filepath.Clean(base)
	return RuntimeDirs{
		base: base,
		db:   filepath.Join(base, "db"),
		sock: base + "-sock",
		lock: filepath.Join(base, ".lock"),
	}, nil
}

func (d RuntimeDirs) Base() string { return d.base }
func (d RuntimeDirs) DB() string   { return d.db }
func (d RuntimeDirs) Sock() string { return d.sock }
func (d RuntimeDirs) Lock() string { return d.lock }

// DBPath returns the signal log database file.
func (d RuntimeDirs) DBPath() string {
	return filepath.Join(d.db, "hip.db")
}

// SocketPath returns the debug service socket.
func (d RuntimeDirs) SocketPath() string {
	return filepath.Join(d.sock, "udi.sock")
}

// EnsureDirectories creates the runtime directories.
func (d RuntimeDirs) EnsureDirectories() error {
	for _, dir := range []string{d.base, d.db, d.sock} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// Resolve fills the store path and socket from dirs when the
// configuration leaves them empty.
func (c *Config) Resolve(dirs RuntimeDirs) {
	if c.Store.Path == "" {
		c.Store.Path = dirs.DBPath()
	}
	if c.UDI.Socket == "" {
		c.UDI.Socket = dirs.SocketPath()
	}
}
