package names

import (
	"regexp"
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"My_Repo", "myrepo"},
		{"my-repo", "myrepo"},
		{"MYREPO", "myrepo"},
		{"bert-base_uncased", "bertbaseuncased"},
		{"", ""},
		{"a.b", "a.b"},
	}
	for _, tc := range cases {
		if got := Normalize(tc.in); got != tc.want {
			t.Errorf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseRepoType(t *testing.T) {
	t.Run("SingularAndPlural", func(t *testing.T) {
		for _, s := range []string{"model", "models", "Models"} {
			got, err := ParseRepoType(s)
			if err != nil {
				t.Fatalf("ParseRepoType(%q): %v", s, err)
			}
			if got != RepoTypeModel {
				t.Errorf("ParseRepoType(%q) = %q", s, got)
			}
		}
	})

	t.Run("Invalid", func(t *testing.T) {
		if _, err := ParseRepoType("notebooks"); err == nil {
			t.Error("expected error for unknown type")
		}
	})

	t.Run("TypeChars", func(t *testing.T) {
		if RepoTypeModel.TypeChar() != "m" || RepoTypeDataset.TypeChar() != "d" || RepoTypeSpace.TypeChar() != "s" {
			t.Error("unexpected type chars")
		}
	})
}

func TestValidateRepoName(t *testing.T) {
	valid := []string{"bert-base", "My_Model.v2", "a", "llama3.1-8B"}
	for _, name := range valid {
		if err := ValidateRepoName(name); err != nil {
			t.Errorf("ValidateRepoName(%q) unexpected error: %v", name, err)
		}
	}

	invalid := []string{"", "-leading", ".hidden", "has space", "dot..dot", "trailing.", strings.Repeat("a", 97), "slash/name"}
	for _, name := range invalid {
		if err := ValidateRepoName(name); err == nil {
			t.Errorf("ValidateRepoName(%q) expected error", name)
		}
	}
}

func TestValidateUsername(t *testing.T) {
	if err := ValidateUsername("alice-01"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	for _, name := range []string{"", "with.dot", "-x", "has space"} {
		if err := ValidateUsername(name); err == nil {
			t.Errorf("ValidateUsername(%q) expected error", name)
		}
	}
}

func TestSplitFullID(t *testing.T) {
	ns, name, err := SplitFullID("alice/bert-base")
	if err != nil {
		t.Fatalf("SplitFullID: %v", err)
	}
	if ns != "alice" || name != "bert-base" {
		t.Errorf("got %q/%q", ns, name)
	}

	for _, id := range []string{"noslash", "a/b/c", "/name", "ns/", ""} {
		if _, _, err := SplitFullID(id); err == nil {
			t.Errorf("SplitFullID(%q) expected error", id)
		}
	}
}

func TestVOSName(t *testing.T) {
	vosRe := regexp.MustCompile(`^[a-z0-9][a-z0-9-]{2,62}$`)

	t.Run("Shape", func(t *testing.T) {
		name := VOSName(RepoTypeModel, "alice/bert-base")
		if !strings.HasPrefix(name, "m-alice-bert-base-") {
			t.Errorf("unexpected prefix: %q", name)
		}
		if !vosRe.MatchString(name) {
			t.Errorf("name %q does not match the store's naming constraint", name)
		}
		if len(name) > 63 {
			t.Errorf("name too long: %d", len(name))
		}
	})

	t.Run("Deterministic", func(t *testing.T) {
		a := VOSName(RepoTypeDataset, "org/data")
		b := VOSName(RepoTypeDataset, "org/data")
		if a != b {
			t.Errorf("non-deterministic: %q vs %q", a, b)
		}
	})

	t.Run("SanitizationCollisionsDisambiguated", func(t *testing.T) {
		// Both sanitize to "org-my-repo" but must map to distinct names.
		a := VOSName(RepoTypeModel, "org/my-repo")
		b := VOSName(RepoTypeModel, "org/my_repo")
		if a == b {
			t.Errorf("sanitization collision not disambiguated: %q", a)
		}
	})

	t.Run("LongIDsTruncatedButBounded", func(t *testing.T) {
		long := "organization-with-a-very-long-name/model-name-that-is-also-extremely-long-v2"
		name := VOSName(RepoTypeSpace, long)
		if len(name) > 63 {
			t.Errorf("name too long: %d (%q)", len(name), name)
		}
		if !vosRe.MatchString(name) {
			t.Errorf("name %q does not match the store's naming constraint", name)
		}
	})

	t.Run("SymbolOnlyID", func(t *testing.T) {
		name := VOSName(RepoTypeModel, "__/__")
		if !vosRe.MatchString(name) {
			t.Errorf("name %q does not match the store's naming constraint", name)
		}
	})

	t.Run("HashSuffixLength", func(t *testing.T) {
		name := VOSName(RepoTypeModel, "a/b")
		parts := strings.Split(name, "-")
		suffix := parts[len(parts)-1]
		if len(suffix) != vosNameHashLen {
			t.Errorf("hash suffix length = %d, want %d", len(suffix), vosNameHashLen)
		}
	})

	t.Run("TypePrefixSeparatesTypes", func(t *testing.T) {
		m := VOSName(RepoTypeModel, "a/b")
		d := VOSName(RepoTypeDataset, "a/b")
		if m == d {
			t.Error("model and dataset map to the same store name")
		}
	})
}
