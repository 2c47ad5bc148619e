package gate

import (
	_ "embed"
	"errors"
	"fmt"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed paths.yaml
var defaultRulesYAML []byte

// Class is the coarse authorization tier of a request path.
type Class int

const (
	// ClassPublic paths pass through untouched.
	ClassPublic Class = iota
	// ClassExcluded paths bypass the gate entirely, including session resolution.
	ClassExcluded
	// ClassProtectedAPI paths answer 401 JSON to anonymous callers.
	ClassProtectedAPI
	// ClassProtectedPage paths redirect anonymous callers to the login page.
	ClassProtectedPage
	// ClassAdmin paths require an operator.
	ClassAdmin
	// ClassAuthOnly paths are for anonymous users only.
	ClassAuthOnly
)

func (c Class) String() string {
	switch c {
	case ClassExcluded:
		return "excluded"
	case ClassProtectedAPI:
		return "protected_api"
	case ClassProtectedPage:
		return "protected_page"
	case ClassAdmin:
		return "admin"
	case ClassAuthOnly:
		return "auth_only"
	default:
		return "public"
	}
}

// Rules is the fixed path configuration of the gate.
type Rules struct {
	Protected   []string `yaml:"protected"`
	APIPrefix   string   `yaml:"api_prefix"`
	AdminPrefix string   `yaml:"admin_prefix"`
	AuthOnly    []string `yaml:"auth_only"`
	LoginPath   string   `yaml:"login_path"`
	HomePath    string   `yaml:"home_path"`
	Exclude     struct {
		Prefixes   []string `yaml:"prefixes"`
		Exact      []string `yaml:"exact"`
		Extensions []string `yaml:"extensions"`
	} `yaml:"exclude"`
}

// DefaultRules returns the rules compiled into the binary.
func DefaultRules() (Rules, error) {
	return ParseRules(defaultRulesYAML)
}

// ParseRules decodes and validates a YAML rules document.
func ParseRules(data []byte) (Rules, error) {
	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return Rules{}, fmt.Errorf("gate: parse rules: %w", err)
	}
	if err := rules.validate(); err != nil {
		return Rules{}, err
	}
	for i, ext := range rules.Exclude.Extensions {
		rules.Exclude.Extensions[i] = strings.ToLower(ext)
	}
	return rules, nil
}

func (r Rules) validate() error {
	switch {
	case r.LoginPath == "":
		return errors.New("gate: login_path required")
	case r.HomePath == "":
		return errors.New("gate: home_path required")
	case r.AdminPrefix == "":
		return errors.New("gate: admin_prefix required")
	case r.APIPrefix == "":
		return errors.New("gate: api_prefix required")
	}
	return nil
}

// Classify maps a request path to its tier. Checks run in precedence
// order: exclusions, protected prefixes, admin, auth-only.
func (r Rules) Classify(p string) Class {
	if r.excluded(p) {
		return ClassExcluded
	}
	if hasAnyPrefix(p, r.Protected) {
		if strings.HasPrefix(p, r.APIPrefix) {
			return ClassProtectedAPI
		}
		return ClassProtectedPage
	}
	if p == r.AdminPrefix || strings.HasPrefix(p, strings.TrimSuffix(r.AdminPrefix, "/")+"/") {
		return ClassAdmin
	}
	if hasAnyPrefix(p, r.AuthOnly) {
		return ClassAuthOnly
	}
	return ClassPublic
}

func (r Rules) excluded(p string) bool {
	for _, exact := range r.Exclude.Exact {
		if p == exact {
			return true
		}
	}
	if hasAnyPrefix(p, r.Exclude.Prefixes) {
		return true
	}
	ext := strings.ToLower(path.Ext(p))
	if ext == "" {
		return false
	}
	for _, e := range r.Exclude.Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

func hasAnyPrefix(p string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if prefix != "" && strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}
