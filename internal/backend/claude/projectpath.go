package claude

import (
	"os"
	"path/filepath"
	"strings"
)

// EncodeProjectPath mirrors the CLI's project directory naming: slashes and
// dots in the absolute project path become dashes.
func EncodeProjectPath(path string) string {
	clean := filepath.Clean(path)
	encoded := strings.ReplaceAll(clean, "/", "-")
	return strings.ReplaceAll(encoded, ".", "-")
}

// DecodeProjectPath reverses the encoding to recover the project directory.
// The encoding is lossy (a dash may have been a slash, a dot, or a literal
// dash), so decoding probes the filesystem: dashes are treated as separators
// from the right, with a second pass that reads "--" as "/." for dot
// directories. The first candidate that resolves to an existing directory
// wins. Fallback: the encoded name unchanged.
func DecodeProjectPath(encoded string) string {
	if !strings.HasPrefix(encoded, "-") {
		return encoded
	}

	parts := strings.Split(encoded[1:], "-")
	for _, candidateParts := range [][]string{parts, dotVariant(parts)} {
		if candidateParts == nil {
			continue
		}
		if p, ok := probe(candidateParts); ok {
			return p
		}
	}
	return encoded
}

// probe tries candidates built by joining the first n parts with slashes and
// keeping the remaining dashes literal in the final segment, n descending.
func probe(parts []string) (string, bool) {
	for n := len(parts); n > 0; n-- {
		candidate := "/" + strings.Join(parts[:n], "/")
		if n < len(parts) {
			candidate += "-" + strings.Join(parts[n:], "-")
		}
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, true
		}
	}
	return "", false
}

// dotVariant rewrites empty segments (produced by "--") into a dot prefix on
// the following segment, so "-home-u--config" can resolve to /home/u/.config.
// Returns nil when the parts contain no empty segment.
func dotVariant(parts []string) []string {
	hasEmpty := false
	for _, p := range parts {
		if p == "" {
			hasEmpty = true
			break
		}
	}
	if !hasEmpty {
		return nil
	}

	out := make([]string, 0, len(parts))
	for i := 0; i < len(parts); i++ {
		if parts[i] == "" && i+1 < len(parts) {
			out = append(out, "."+parts[i+1])
			i++
			continue
		}
		if parts[i] != "" {
			out = append(out, parts[i])
		}
	}
	return out
}
