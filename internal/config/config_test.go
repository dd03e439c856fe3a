package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestTeamIncluded(t *testing.T) {
	cfg := Config{IgnoredTeamKeys: []string{"OPS"}}
	if !cfg.TeamIncluded("CORE") {
		t.Fatalf("CORE should be included")
	}
	if cfg.TeamIncluded("ops") {
		t.Fatalf("ignored team should be excluded case-insensitively")
	}
	if cfg.TeamIncluded("") {
		t.Fatalf("empty key should be excluded")
	}

	cfg = Config{WhitelistTeamKeys: []string{"WEB"}, IgnoredTeamKeys: []string{"WEB"}}
	if !cfg.TeamIncluded("web") {
		t.Fatalf("whitelist wins when present")
	}
	if cfg.TeamIncluded("CORE") {
		t.Fatalf("non-whitelisted team should be excluded")
	}
}

func TestLoadDomainMap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "domains.yaml")
	body := "domains:\n  platform: [INFRA, CORE]\n  product: [WEB]\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := loadDomainMap(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(m["platform"]) != 2 || m["platform"][0] != "INFRA" {
		t.Fatalf("unexpected map: %#v", m)
	}
	if len(m["product"]) != 1 || m["product"][0] != "WEB" {
		t.Fatalf("unexpected map: %#v", m)
	}
}

func TestLoadEngineerMap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engineers.yaml")
	body := "engineers:\n  \"Ada Lovelace\": CORE\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := loadEngineerMap(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m["Ada Lovelace"] != "CORE" {
		t.Fatalf("unexpected map: %#v", m)
	}
}
