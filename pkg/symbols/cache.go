// Copyright (c) 2024 Icebox Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package symbols

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/htesiege/icebox/internal/icelog"
)

var cacheLog = icelog.New("symbols/cache")

// EnvSymbolPath names the environment variable that designates the symbol
// cache root, mirroring the _NT_SYMBOL_PATH convention.
const EnvSymbolPath = "ICEBOX_SYMBOL_PATH"

// dirMode and fileMode are private to the invoking user, since a symbol
// cache can embed paths and binary layout information a multi-tenant host
// should not share.
const (
	dirMode  = os.FileMode(0700) | os.ModeDir
	fileMode = os.FileMode(0600)
)

// ErrCacheMiss is returned by Cache.Lookup when a module/build-id pair has
// no cached debug file.
var ErrCacheMiss = errors.New("symbol cache miss")

// Cache is a local symbol cache directory hierarchy of the form
// <root>/<name>/<build-id>/<name>, the same shape a Microsoft symbol
// server uses to key cached PDBs by build identity.
type Cache struct {
	root string
}

// NewCache returns a Cache rooted at root. If root is empty, the
// EnvSymbolPath environment variable is consulted; if that too is unset,
// Open/Store calls fail with ErrCacheMiss-wrapping errors rather than
// silently falling back to a guessed directory.
func NewCache(root string) *Cache {
	if root == "" {
		root = os.Getenv(EnvSymbolPath)
	}
	return &Cache{root: root}
}

func (c *Cache) modulePath(name string, id BuildID) (string, error) {
	if c.root == "" {
		return "", errors.Wrap(ErrCacheMiss, "symbol cache root not configured; set "+EnvSymbolPath)
	}
	return filepath.Join(c.root, name, string(id), name), nil
}

// Lookup returns the path to the cached debug file for (name, id), or
// ErrCacheMiss if it is not present.
func (c *Cache) Lookup(name string, id BuildID) (string, error) {
	path, err := c.modulePath(name, id)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", errors.Wrapf(ErrCacheMiss, "%s/%s", name, id)
		}
		return "", err
	}
	return path, nil
}

// Store writes data as the cached debug file for (name, id), creating the
// <root>/<name>/<build-id>/ directory hierarchy as needed.
func (c *Cache) Store(name string, id BuildID, data []byte) error {
	path, err := c.modulePath(name, id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return errors.Wrap(err, "creating symbol cache directory")
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fileMode)
	if err != nil {
		return errors.Wrap(err, "opening cached debug file for write")
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return errors.Wrap(err, "writing cached debug file")
	}
	cacheLog.WithField("module", name).WithField("build_id", string(id)).Debug("cached debug file stored")
	return nil
}

// Open returns a reader over the cached debug file for (name, id).
func (c *Cache) Open(name string, id BuildID) (io.ReadCloser, error) {
	path, err := c.Lookup(name, id)
	if err != nil {
		return nil, err
	}
	return os.Open(path)
}
