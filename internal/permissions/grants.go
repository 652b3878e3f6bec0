package permissions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// settingsRelPath locates the project-local settings file the CLI reads its
// allow rules from.
const settingsRelPath = ".claude/settings.local.json"

// permissionsBlock is the subset of the settings file we touch. Unrelated
// keys ride along untouched as raw JSON.
type permissionsBlock struct {
	Allow []string `json:"allow"`
}

// ApplyGrants merges the given allow rules into the project's local settings
// file, creating it (and its directory) when absent. Existing rules and
// unrelated settings keys are preserved; duplicates are not added.
func ApplyGrants(projectPath string, rules []string) error {
	if projectPath == "" {
		return fmt.Errorf("permissions: project path required")
	}
	path := filepath.Join(projectPath, settingsRelPath)

	settings := map[string]json.RawMessage{}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &settings); err != nil {
			return fmt.Errorf("permissions: parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	var perms permissionsBlock
	rawPerms := map[string]json.RawMessage{}
	if raw, ok := settings["permissions"]; ok {
		if err := json.Unmarshal(raw, &rawPerms); err != nil {
			return fmt.Errorf("permissions: parse permissions block: %w", err)
		}
		if allowRaw, ok := rawPerms["allow"]; ok {
			if err := json.Unmarshal(allowRaw, &perms.Allow); err != nil {
				return fmt.Errorf("permissions: parse allow list: %w", err)
			}
		}
	}

	existing := make(map[string]bool, len(perms.Allow))
	for _, r := range perms.Allow {
		existing[r] = true
	}
	for _, r := range rules {
		if r == "" || existing[r] {
			continue
		}
		perms.Allow = append(perms.Allow, r)
		existing[r] = true
	}

	allowRaw, err := json.Marshal(perms.Allow)
	if err != nil {
		return err
	}
	rawPerms["allow"] = allowRaw
	permsRaw, err := json.Marshal(rawPerms)
	if err != nil {
		return err
	}
	settings["permissions"] = permsRaw

	out, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, append(out, '\n'), 0o644)
}
