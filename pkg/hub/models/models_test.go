package models

import (
	"testing"
	"time"
)

func strptr(s string) *string { return &s }
func intptr(n int) *int       { return &n }

func TestOrgRole_AtLeast(t *testing.T) {
	tests := []struct {
		have OrgRole
		need OrgRole
		want bool
	}{
		{RoleSuperAdmin, RoleAdmin, true},
		{RoleAdmin, RoleAdmin, true},
		{RoleMember, RoleAdmin, false},
		{RoleVisitor, RoleMember, false},
		{RoleMember, RoleVisitor, true},
		{"bogus", RoleVisitor, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.have)+"_vs_"+string(tt.need), func(t *testing.T) {
			if got := tt.have.AtLeast(tt.need); got != tt.want {
				t.Errorf("%q.AtLeast(%q) = %v, want %v", tt.have, tt.need, got, tt.want)
			}
		})
	}
}

func TestUser_Validate(t *testing.T) {
	tests := []struct {
		name    string
		user    User
		wantErr bool
	}{
		{
			"regular user",
			User{Username: "alice", NormalizedName: "alice", Email: strptr("a@example.com"), PasswordHash: strptr("x")},
			false,
		},
		{
			"org without credentials",
			User{Username: "acme", NormalizedName: "acme", IsOrg: true},
			false,
		},
		{
			"user missing email",
			User{Username: "alice", NormalizedName: "alice", PasswordHash: strptr("x")},
			true,
		},
		{
			"user missing password",
			User{Username: "alice", NormalizedName: "alice", Email: strptr("a@example.com")},
			true,
		},
		{
			"org with email",
			User{Username: "acme", NormalizedName: "acme", IsOrg: true, Email: strptr("a@example.com")},
			true,
		},
		{
			"missing username",
			User{NormalizedName: "x"},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.user.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestInvitation_Available(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	tests := []struct {
		name string
		inv  Invitation
		want bool
	}{
		{"one-shot unused", Invitation{ExpiresAt: future, MaxUsage: nil, UsageCount: 0}, true},
		{"one-shot used", Invitation{ExpiresAt: future, MaxUsage: nil, UsageCount: 1}, false},
		{"unlimited heavily used", Invitation{ExpiresAt: future, MaxUsage: intptr(-1), UsageCount: 999}, true},
		{"bounded below limit", Invitation{ExpiresAt: future, MaxUsage: intptr(3), UsageCount: 2}, true},
		{"bounded at limit", Invitation{ExpiresAt: future, MaxUsage: intptr(3), UsageCount: 3}, false},
		{"expired", Invitation{ExpiresAt: past, MaxUsage: intptr(-1)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.inv.Available(now); got != tt.want {
				t.Errorf("Available() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRepository_Validate(t *testing.T) {
	valid := Repository{
		RepoType:  "model",
		Namespace: "alice",
		Name:      "bert-base",
		FullID:    "alice/bert-base",
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	tests := []struct {
		name string
		repo Repository
	}{
		{"bad type", Repository{RepoType: "notebook", Namespace: "a", Name: "b", FullID: "a/b"}},
		{"bad name", Repository{RepoType: "model", Namespace: "a", Name: "..", FullID: "a/.."}},
		{"mismatched full id", Repository{RepoType: "model", Namespace: "a", Name: "b", FullID: "a/c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.repo.Validate(); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRepository_SuffixRules(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		r := Repository{}
		if rules := r.SuffixRules(); rules != nil {
			t.Errorf("expected nil, got %v", rules)
		}
	})

	t.Run("decodes list", func(t *testing.T) {
		r := Repository{LFSSuffixRules: `["*.safetensors", "*.bin"]`}
		rules := r.SuffixRules()
		if len(rules) != 2 || rules[0] != "*.safetensors" {
			t.Errorf("unexpected rules: %v", rules)
		}
	})

	t.Run("malformed yields empty", func(t *testing.T) {
		r := Repository{LFSSuffixRules: `{not json`}
		if rules := r.SuffixRules(); rules != nil {
			t.Errorf("expected nil, got %v", rules)
		}
	})
}

func TestSession_Expired(t *testing.T) {
	now := time.Now()
	s := Session{ExpiresAt: now.Add(time.Minute)}
	if s.Expired(now) {
		t.Error("session should not be expired")
	}
	if !s.Expired(now.Add(2 * time.Minute)) {
		t.Error("session should be expired")
	}
}
