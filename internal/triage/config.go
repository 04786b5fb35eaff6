package triage

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// LoadRules reads the Triage Filter's rule file (YAML, shape-only per
// spec.md's Non-goals around rule-loading formats) and layers GATE0B_*
// environment overrides on top, per spec.md 4.E's load order: file defaults,
// then env overrides, then the built-in zero-value fallback if neither is
// set. An empty path is valid — it means "no file, env-or-zero only".
func LoadRules(path string, env map[string]string) (Rules, error) {
	var r Rules
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Rules{}, err
		}
		if err := yaml.Unmarshal(b, &r); err != nil {
			return Rules{}, err
		}
	}
	applyGate0BEnvOverrides(&r, env)
	return r, nil
}

func applyGate0BEnvOverrides(r *Rules, env map[string]string) {
	if v, ok := env["GATE0B_ENABLED"]; ok {
		r.Gate0B.Enabled = v == "true" || v == "1"
	}
	if v, ok := env["GATE0B_MIN_LEN"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			r.Gate0B.MinLen = n
		}
	}
	if v, ok := env["GATE0B_MIN_LIKES"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			r.Gate0B.MinLikes = n
		}
	}
	if v, ok := env["GATE0B_MIN_COMMENTS"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			r.Gate0B.MinComments = n
		}
	}
}
