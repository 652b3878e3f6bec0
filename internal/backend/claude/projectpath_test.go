package claude

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEncodeProjectPath(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"/home/user/project", "-home-user-project"},
		{"/home/user/my.app", "-home-user-my-app"},
		{"/home/user/.config/app", "-home-user--config-app"},
		{"/tmp/test", "-tmp-test"},
	}
	for _, tt := range tests {
		if got := EncodeProjectPath(tt.input); got != tt.expected {
			t.Errorf("EncodeProjectPath(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestDecodeProjectPath(t *testing.T) {
	parent := t.TempDir()
	plain := filepath.Join(parent, "webapp")
	dashed := filepath.Join(parent, "my-project")
	dotted := filepath.Join(parent, ".config", "app")
	for _, d := range []string{plain, dashed, dotted} {
		if err := os.MkdirAll(d, 0755); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name string
		path string
	}{
		{"plain", plain},
		{"literal dash", dashed},
		{"dot directory", dotted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := EncodeProjectPath(tt.path)
			if got := DecodeProjectPath(encoded); got != tt.path {
				t.Errorf("DecodeProjectPath(%q) = %q, want %q", encoded, got, tt.path)
			}
		})
	}
}

func TestDecodeProjectPathFallback(t *testing.T) {
	// Nothing on disk matches: the encoded name comes back unchanged.
	encoded := "-no-such-root-anywhere-xyzzy"
	if got := DecodeProjectPath(encoded); got != encoded {
		t.Errorf("expected fallback to encoded name, got %q", got)
	}

	// Names without the leading dash are not encodings at all.
	if got := DecodeProjectPath("plain-name"); got != "plain-name" {
		t.Errorf("expected passthrough, got %q", got)
	}
}
