// Copyright (c) 2024 The Vore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package persist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/the-eater/vore/pkg/config"
)

func TestSaveThenLoadAllRoundTrips(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)

	cfg := config.DefaultInstanceConfig()
	cfg.Name = "alpha"
	if err := store.Save("alpha", cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	defs, errs := store.LoadAll()
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(defs) != 1 || defs[0].Name != "alpha" {
		t.Fatalf("unexpected definitions: %+v", defs)
	}
	if defs[0].Config.Name != "alpha" {
		t.Fatalf("unexpected config name: %s", defs[0].Config.Name)
	}
}

func TestLoadAllSurvivesOneBadDefinition(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)

	cfg := config.DefaultInstanceConfig()
	cfg.Name = "good"
	if err := store.Save("good", cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := os.WriteFile(filepath.Join(store.DefinitionsDir(), "bad.toml"), []byte("not valid toml [[["), 0o644); err != nil {
		t.Fatal(err)
	}

	defs, errs := store.LoadAll()
	if len(errs) != 1 {
		t.Fatalf("expected exactly one error, got %v", errs)
	}
	if len(defs) != 1 || defs[0].Name != "good" {
		t.Fatalf("expected the good definition to still load: %+v", defs)
	}
}

func TestLoadAllMissingDirectoryIsNotAnError(t *testing.T) {
	store := New(filepath.Join(t.TempDir(), "does-not-exist"))
	defs, errs := store.LoadAll()
	if len(defs) != 0 || len(errs) != 0 {
		t.Fatalf("expected no definitions and no errors, got %v %v", defs, errs)
	}
}

func TestDeleteNonexistentIsNotAnError(t *testing.T) {
	store := New(t.TempDir())
	if err := store.Delete("nope"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}

func TestInstanceDirAndDefinitionsDir(t *testing.T) {
	store := New("/var/lib/vore")
	if store.DefinitionsDir() != "/var/lib/vore/definitions" {
		t.Fatalf("unexpected definitions dir: %s", store.DefinitionsDir())
	}
	if store.InstanceDir("foo") != "/var/lib/vore/instance/foo" {
		t.Fatalf("unexpected instance dir: %s", store.InstanceDir("foo"))
	}
}
