package config

import (
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(nil)
	if err != nil {
		t.Fatalf("load() error: %v", err)
	}
	if cfg.DataDir != "./data" {
		t.Errorf("DataDir = %s", cfg.DataDir)
	}
	if cfg.HTTPPort != 8080 {
		t.Errorf("HTTPPort = %d", cfg.HTTPPort)
	}
	if cfg.PBXPort != 5038 {
		t.Errorf("PBXPort = %d", cfg.PBXPort)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "text" {
		t.Errorf("log config = %s/%s", cfg.LogLevel, cfg.LogFormat)
	}
}

func TestLoadFlagsBeatEnv(t *testing.T) {
	t.Setenv("COMMGATE_HTTP_PORT", "9999")
	t.Setenv("COMMGATE_PBX_HOST", "pbx.internal")
	t.Setenv("COMMGATE_FULL_HISTORY_ON_START", "true")

	cfg, err := load([]string{"-http-port", "8081"})
	if err != nil {
		t.Fatalf("load() error: %v", err)
	}
	if cfg.HTTPPort != 8081 {
		t.Errorf("HTTPPort = %d, want flag value 8081", cfg.HTTPPort)
	}
	if cfg.PBXHost != "pbx.internal" {
		t.Errorf("PBXHost = %s, want env value", cfg.PBXHost)
	}
	if !cfg.FullHistoryOnStart {
		t.Error("FullHistoryOnStart not taken from env")
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := [][]string{
		{"-http-port", "0"},
		{"-pbx-port", "70000"},
		{"-national-prefix", "590"},
		{"-log-level", "verbose"},
		{"-log-format", "xml"},
	}
	for _, args := range cases {
		if _, err := load(args); err == nil {
			t.Errorf("load(%v) accepted invalid value", args)
		}
	}
}

func TestTrunkLineList(t *testing.T) {
	cfg := &Config{TrunkLines: "Chiro, Osteo ,GSM,"}
	got := cfg.TrunkLineList()
	want := []string{"Chiro", "Osteo", "GSM"}
	if len(got) != len(want) {
		t.Fatalf("lines = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if (&Config{}).TrunkLineList() != nil {
		t.Error("empty config should yield nil list")
	}
}

func TestJWTSecretBytes(t *testing.T) {
	cfg := &Config{}
	key, err := cfg.JWTSecretBytes()
	if err != nil {
		t.Fatalf("JWTSecretBytes() error: %v", err)
	}
	if len(key) != 32 {
		t.Errorf("generated key length = %d, want 32", len(key))
	}
	if cfg.JWTSecret == "" {
		t.Error("generated secret not stored back")
	}

	cfg = &Config{JWTSecret: "zz"}
	if _, err := cfg.JWTSecretBytes(); err == nil {
		t.Error("malformed secret accepted")
	}
}
