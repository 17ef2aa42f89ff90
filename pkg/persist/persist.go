// Copyright (c) 2024 The Vore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package persist loads and saves the TOML instance definitions vored keeps
// under its data directory, the way vored/src/daemon.rs's startup scan of
// definitions/*.toml does.
package persist

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/the-eater/vore/pkg/config"
)

// Store is a thin wrapper around the on-disk definitions directory.
type Store struct {
	dataRoot string
}

// New returns a Store rooted at dataRoot (spec.md §6's default
// /var/lib/vore).
func New(dataRoot string) *Store {
	return &Store{dataRoot: dataRoot}
}

// DefinitionsDir is <dataRoot>/definitions.
func (s *Store) DefinitionsDir() string {
	return filepath.Join(s.dataRoot, "definitions")
}

// InstanceDir is <dataRoot>/instance/<name>, the machine's working
// directory (control socket, shared memory, spice socket all live under
// here in pkg/vm).
func (s *Store) InstanceDir(name string) string {
	return filepath.Join(s.dataRoot, "instance", name)
}

func (s *Store) definitionPath(name string) string {
	return filepath.Join(s.DefinitionsDir(), name+".toml")
}

// Definition is one loaded instance definition.
type Definition struct {
	Name   string
	Config config.InstanceConfig
}

// LoadAll reads every *.toml file directly under DefinitionsDir, in
// lexical filename order. A parse failure on one definition does not stop
// the others from loading, but its error is still surfaced so the daemon
// can log it (vored keeps the other machines going rather than refusing to
// start entirely over one bad file).
func (s *Store) LoadAll() ([]Definition, []error) {
	dir := s.DefinitionsDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, []error{errors.Wrapf(err, "failed to read %s", dir)}
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	var defs []Definition
	var errs []error
	for _, name := range names {
		text, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			errs = append(errs, errors.Wrapf(err, "failed to read definition %q", name))
			continue
		}

		cfg, err := config.ParseInstanceConfig(string(text))
		if err != nil {
			errs = append(errs, errors.Wrapf(err, "failed to parse definition %q", name))
			continue
		}

		defs = append(defs, Definition{
			Name:   strings.TrimSuffix(name, ".toml"),
			Config: cfg,
		})
	}

	return defs, errs
}

// Save writes cfg's serialized form to <name>.toml, creating the
// definitions directory if needed.
func (s *Store) Save(name string, cfg config.InstanceConfig) error {
	if err := os.MkdirAll(s.DefinitionsDir(), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create %s", s.DefinitionsDir())
	}

	text, err := config.Serialize(cfg)
	if err != nil {
		return errors.Wrap(err, "failed to serialize instance config")
	}

	path := s.definitionPath(name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(text), 0o644); err != nil {
		return errors.Wrapf(err, "failed to write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "failed to install %s", path)
	}
	return nil
}

// Delete removes a saved definition. Deleting a definition that was never
// saved is not an error.
func (s *Store) Delete(name string) error {
	err := os.Remove(s.definitionPath(name))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to remove definition %q", name)
	}
	return nil
}
