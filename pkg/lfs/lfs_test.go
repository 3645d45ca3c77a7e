package lfs

import (
	"strings"
	"testing"

	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
)

func int64Ptr(v int64) *int64 { return &v }

func TestKeyForOID(t *testing.T) {
	oid := "a3f5" + strings.Repeat("0", 60)
	want := "lfs/a3/f5/" + oid
	if got := KeyForOID(oid); got != want {
		t.Errorf("KeyForOID = %q, want %q", got, want)
	}

	if got := KeyForOID("ab"); got != "lfs/ab" {
		t.Errorf("short oid key = %q", got)
	}
}

func TestValidOID(t *testing.T) {
	valid := strings.Repeat("ab12", 16)
	if !ValidOID(valid) {
		t.Errorf("ValidOID(%q) = false", valid)
	}

	bad := []string{
		"",
		strings.Repeat("a", 63),
		strings.Repeat("a", 65),
		strings.Repeat("A", 64), // uppercase is not canonical
		strings.Repeat("g", 64),
	}
	for _, oid := range bad {
		if ValidOID(oid) {
			t.Errorf("ValidOID(%q) = true", oid)
		}
	}
}

func TestEligible(t *testing.T) {
	engine := New(nil, nil, "http://hub.local", 10<<20)

	plain := &models.Repository{}
	if engine.Eligible(plain, "README.md", 1024) {
		t.Error("small file below server threshold should not be LFS")
	}
	if !engine.Eligible(plain, "weights.bin", 10<<20) {
		t.Error("file at the server threshold should be LFS")
	}

	tuned := &models.Repository{LFSThresholdBytes: int64Ptr(1 << 20)}
	if !engine.Eligible(tuned, "data.csv", 2<<20) {
		t.Error("repo override should lower the threshold")
	}
	if got := engine.Threshold(tuned); got != 1<<20 {
		t.Errorf("Threshold = %d, want %d", got, 1<<20)
	}

	everything := &models.Repository{LFSThresholdBytes: int64Ptr(0)}
	if !engine.Eligible(everything, "tiny.txt", 0) {
		t.Error("zero threshold should force every file through LFS")
	}

	globbed := &models.Repository{LFSSuffixRules: `["*.safetensors","data/*.parquet"]`}
	if !engine.Eligible(globbed, "model.safetensors", 12) {
		t.Error("suffix rule should match at the repo root")
	}
	if !engine.Eligible(globbed, "nested/dir/model.safetensors", 12) {
		t.Error("bare glob should match the final path element")
	}
	if !engine.Eligible(globbed, "data/train.parquet", 12) {
		t.Error("path glob should match against the full path")
	}
	if engine.Eligible(globbed, "notes.txt", 12) {
		t.Error("unmatched small file should stay regular")
	}
}

func TestMatchesSuffixRules(t *testing.T) {
	if MatchesSuffixRules(nil, "anything.bin") {
		t.Error("no rules should match nothing")
	}
	if MatchesSuffixRules([]string{"[bad"}, "file.bin") {
		t.Error("malformed glob should be skipped, not matched")
	}
}

func TestPointerText(t *testing.T) {
	oid := strings.Repeat("e3", 32)
	text := PointerText(oid, 209715200)

	if !strings.HasPrefix(text, "version https://git-lfs.github.com/spec/v1\n") {
		t.Errorf("pointer missing version line: %q", text)
	}
	if !strings.Contains(text, "oid sha256:"+oid+"\n") {
		t.Errorf("pointer missing oid line: %q", text)
	}
	if !strings.HasSuffix(text, "size 209715200\n") {
		t.Errorf("pointer missing size line: %q", text)
	}
	if PointerSize(oid, 209715200) != len(text) {
		t.Error("PointerSize should equal the pointer byte length")
	}
}
