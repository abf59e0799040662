package config

import (
	"strings"
	"testing"
)

func fakeEnv(vars map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := vars[name]
		return v, ok
	}
}

func TestExpand(t *testing.T) {
	env := fakeEnv(map[string]string{
		"REDIS_URL":   "redis://cache:6379/2",
		"TETHER_PORT": "7777",
		"EMPTY":       "",
	})

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"set", "url: ${REDIS_URL}", "url: redis://cache:6379/2"},
		{"unset", "url: ${TETHER_MISSING}", "url: "},
		{"default unused", "port: ${TETHER_PORT:-0}", "port: 7777"},
		{"default when unset", "bind: ${TETHER_BIND:-localhost}", "bind: localhost"},
		{"default when empty", "channel: ${EMPTY:-tether}", "channel: tether"},
		{"default with colon", "url: ${NOPE:-redis://localhost:6379}", "url: redis://localhost:6379"},
		{"dollar escape", "script: cost$$1", "script: cost$1"},
		{"bare dollar", "args: [$HOME]", "args: [$HOME]"},
		{"unterminated", "path: ${REDIS_URL", "path: ${REDIS_URL"},
		{"invalid name", "path: ${1X}", "path: ${1X}"},
		{"unknown operator", "path: ${EMPTY:+x}", "path: ${EMPTY:+x}"},
		{"adjacent", "${TETHER_PORT}${TETHER_PORT}", "77777777"},
		{"no references", "multiplex: true", "multiplex: true"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := expand(tt.input, env)
			if err != nil {
				t.Fatalf("expand(%q) error = %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("expand(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestExpand_RequiredVar(t *testing.T) {
	env := fakeEnv(map[string]string{"TETHER_BUCKET": "traces"})

	got, err := expand("dataset: ${TETHER_BUCKET:?set TETHER_BUCKET}", env)
	if err != nil {
		t.Fatalf("expand error = %v", err)
	}
	if got != "dataset: traces" {
		t.Errorf("expand = %q, want %q", got, "dataset: traces")
	}

	doc := "port: 0\ntranscript:\n  dataset: ${TETHER_DATASET:?set TETHER_DATASET}\n"
	_, err = expand(doc, env)
	if err == nil {
		t.Fatal("expand error = nil, want missing variable error")
	}
	for _, want := range []string{"line 3", "TETHER_DATASET", "set TETHER_DATASET"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error = %q, want it to mention %q", err, want)
		}
	}

	_, err = expand("${TETHER_DATASET:?}", env)
	if err == nil || !strings.Contains(err.Error(), "required") {
		t.Errorf("error = %v, want default message", err)
	}
}

func TestLoad_ExpandsEnvironment(t *testing.T) {
	t.Setenv("TETHER_PORT", "7777")
	t.Setenv("REDIS_URL", "")

	doc := `port: ${TETHER_PORT:-0}
adapter:
  type: redis
  url: ${REDIS_URL:-redis://localhost:6379}
`
	cfg, err := Load(writeTemp(t, doc))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 7777 {
		t.Errorf("Port = %d, want 7777", cfg.Port)
	}
	if cfg.Adapter.URL != "redis://localhost:6379" {
		t.Errorf("Adapter.URL = %q, want %q", cfg.Adapter.URL, "redis://localhost:6379")
	}
}

func TestLoad_MissingRequiredVar(t *testing.T) {
	_, err := Load(writeTemp(t, "port: ${TETHER_UNSET_PORT_9431:?port is required}\n"))
	if err == nil || !strings.Contains(err.Error(), "port is required") {
		t.Fatalf("Load error = %v, want missing variable error", err)
	}
}
