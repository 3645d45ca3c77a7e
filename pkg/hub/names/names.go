// Package names owns the naming rules shared by the whole hub: repo types,
// case-insensitive name normalization, id validation, and the derivation of
// versioned-store repository names from hub repository ids.
package names

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"golang.org/x/crypto/sha3"
)

// RepoType identifies the kind of repository.
type RepoType string

const (
	RepoTypeModel   RepoType = "model"
	RepoTypeDataset RepoType = "dataset"
	RepoTypeSpace   RepoType = "space"
)

// AllRepoTypes lists every valid repository type.
var AllRepoTypes = []RepoType{RepoTypeModel, RepoTypeDataset, RepoTypeSpace}

// ParseRepoType accepts both singular ("model") and plural ("models") forms,
// as they appear in API routes.
func ParseRepoType(s string) (RepoType, error) {
	switch strings.ToLower(strings.TrimSuffix(s, "s")) {
	case "model":
		return RepoTypeModel, nil
	case "dataset":
		return RepoTypeDataset, nil
	case "space":
		return RepoTypeSpace, nil
	}
	return "", fmt.Errorf("invalid repo type %q", s)
}

// Valid reports whether t is one of the known repository types.
func (t RepoType) Valid() bool {
	switch t {
	case RepoTypeModel, RepoTypeDataset, RepoTypeSpace:
		return true
	}
	return false
}

// Plural returns the route segment for the type ("models", "datasets", "spaces").
func (t RepoType) Plural() string {
	return string(t) + "s"
}

// TypeChar returns the single-character prefix used in versioned-store names.
func (t RepoType) TypeChar() string {
	switch t {
	case RepoTypeDataset:
		return "d"
	case RepoTypeSpace:
		return "s"
	default:
		return "m"
	}
}

// Normalize lowercases a name and strips `-` and `_`. Two names that
// normalize equal are considered the same name for uniqueness checks.
func Normalize(name string) string {
	lowered := strings.ToLower(name)
	return strings.Map(func(r rune) rune {
		if r == '-' || r == '_' {
			return -1
		}
		return r
	}, lowered)
}

var (
	repoNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
	userNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)
)

// MaxNameLength bounds repo names, usernames, and org names.
const MaxNameLength = 96

// ValidateRepoName checks a single repo name segment (no namespace).
func ValidateRepoName(name string) error {
	if name == "" {
		return fmt.Errorf("repo name is empty")
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("repo name exceeds %d characters", MaxNameLength)
	}
	if !repoNameRe.MatchString(name) {
		return fmt.Errorf("repo name %q contains invalid characters", name)
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("repo name %q must not contain '..'", name)
	}
	if strings.HasSuffix(name, ".") {
		return fmt.Errorf("repo name %q must not end with '.'", name)
	}
	return nil
}

// ValidateUsername checks a user or organization name.
func ValidateUsername(name string) error {
	if name == "" {
		return fmt.Errorf("username is empty")
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("username exceeds %d characters", MaxNameLength)
	}
	if !userNameRe.MatchString(name) {
		return fmt.Errorf("username %q contains invalid characters", name)
	}
	return nil
}

// SplitFullID splits "namespace/name" and validates both parts.
func SplitFullID(fullID string) (namespace, name string, err error) {
	parts := strings.Split(fullID, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("repo id %q must have the form namespace/name", fullID)
	}
	if err := ValidateUsername(parts[0]); err != nil {
		return "", "", err
	}
	if err := ValidateRepoName(parts[1]); err != nil {
		return "", "", err
	}
	return parts[0], parts[1], nil
}

var sanitizeRunRe = regexp.MustCompile(`-+`)

// sanitizeID lowercases the id, maps every character outside [a-z0-9] to `-`,
// collapses dash runs, and strips leading/trailing dashes.
func sanitizeID(fullID string) string {
	lowered := strings.ToLower(fullID)
	mapped := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '-'
	}, lowered)
	collapsed := sanitizeRunRe.ReplaceAllString(mapped, "-")
	return strings.Trim(collapsed, "-")
}

const (
	vosNamePrefixLen = 38
	vosNameHashLen   = 22
)

// hashSuffix folds the SHA3-224 digest of the original full id down to 112
// bits and renders it as a base36 string left-padded to 22 characters. The
// suffix keeps sanitized names unique: distinct ids that sanitize to the same
// prefix still get distinct store names.
func hashSuffix(fullID string) string {
	sum := sha3.Sum224([]byte(fullID))
	folded := make([]byte, 14)
	for i := 0; i < 14; i++ {
		folded[i] = sum[i] ^ sum[i+14]
	}
	enc := new(big.Int).SetBytes(folded).Text(36)
	if pad := vosNameHashLen - len(enc); pad > 0 {
		enc = strings.Repeat("0", pad) + enc
	}
	return enc
}

// VOSName derives the versioned-store repository name for a hub repo:
// "{type_char}-{sanitized_id[:38]}-{base36_hash_22}". The result is at most
// 63 characters and matches ^[a-z0-9][a-z0-9-]{2,62}$.
func VOSName(t RepoType, fullID string) string {
	sanitized := sanitizeID(fullID)
	if len(sanitized) > vosNamePrefixLen {
		sanitized = sanitized[:vosNamePrefixLen]
	}
	return t.TypeChar() + "-" + sanitized + "-" + hashSuffix(fullID)
}
