package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "sciond.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
[local]
isd = 1
ad = 10
host = "127.0.0.1"
`)
	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.SegmentTTLSeconds != 300 {
		t.Errorf("expected default segment_ttl 300, got %d", c.SegmentTTLSeconds)
	}
	if c.TimeoutSeconds != 5 {
		t.Errorf("expected default timeout 5, got %d", c.TimeoutSeconds)
	}
	if c.NTokensCheck != 20 {
		t.Errorf("expected default n_tokens_check 20, got %d", c.NTokensCheck)
	}
	if c.LocalAPIAddress != DefaultLocalAPIAddress {
		t.Errorf("expected default local_api_address, got %q", c.LocalAPIAddress)
	}
	if c.RunLocalAPI {
		t.Error("expected run_local_api to default false")
	}
}

func TestLoad_OverridesApplied(t *testing.T) {
	path := writeConfig(t, `
segment_ttl = 60
timeout = 2
n_tokens_check = 5
run_local_api = true

[local]
isd = 1
ad = 10
host = "127.0.0.1"

[path_server]
host = "127.0.0.2"
port = 31045
`)
	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.SegmentTTLSeconds != 60 || c.TimeoutSeconds != 2 || c.NTokensCheck != 5 || !c.RunLocalAPI {
		t.Fatalf("overrides not applied: %+v", c)
	}
	if c.PathServer.Host != "127.0.0.2" || c.PathServer.Port != 31045 {
		t.Fatalf("path server config not applied: %+v", c.PathServer)
	}
}

func TestLoad_MissingHostIsRejected(t *testing.T) {
	path := writeConfig(t, `
[local]
isd = 1
ad = 10
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for missing local.host")
	}
}

func TestLoad_InvalidHostIsRejected(t *testing.T) {
	path := writeConfig(t, `
[local]
isd = 1
ad = 10
host = "not-an-ip"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an invalid local.host")
	}
}
