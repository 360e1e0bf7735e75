package model_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hyoka/internal/model"
)

func TestRoleRank(t *testing.T) {
	// Verify strict ordering: admin > reviewer > reader.
	// Unknown roles must rank below reader.
	tests := []struct {
		role model.ReviewerRole
		rank int
	}{
		{model.RoleAdmin, 3},
		{model.RoleReviewer, 2},
		{model.RoleReader, 1},
		{model.ReviewerRole("unknown"), 0},
		{model.ReviewerRole(""), 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			got := model.RoleRank(tt.role)
			assert.Equal(t, tt.rank, got, "RoleRank(%q)", tt.role)
		})
	}
}

func TestRoleAtLeast(t *testing.T) {
	tests := []struct {
		name    string
		role    model.ReviewerRole
		minRole model.ReviewerRole
		want    bool
	}{
		{"admin >= admin", model.RoleAdmin, model.RoleAdmin, true},
		{"reader >= reader", model.RoleReader, model.RoleReader, true},
		{"admin >= reviewer", model.RoleAdmin, model.RoleReviewer, true},
		{"admin >= reader", model.RoleAdmin, model.RoleReader, true},
		{"reviewer >= reader", model.RoleReviewer, model.RoleReader, true},
		{"reader >= admin", model.RoleReader, model.RoleAdmin, false},
		{"reviewer >= admin", model.RoleReviewer, model.RoleAdmin, false},
		{"unknown >= reader", model.ReviewerRole("bogus"), model.RoleReader, false},
		{"reader >= unknown", model.RoleReader, model.ReviewerRole("bogus"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := model.RoleAtLeast(tt.role, tt.minRole)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateEmail(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		valid := []string{
			"a@b",
			"reviewer@example.org",
			"first.last+tag@sub.example.com",
			"x@" + strings.Repeat("a", 252),
		}
		for _, email := range valid {
			require.NoError(t, model.ValidateEmail(email), "expected valid: %q", email)
		}
	})

	t.Run("invalid", func(t *testing.T) {
		tests := []struct {
			name  string
			email string
			want  string
		}{
			{"empty", "", "3-255"},
			{"too short", "a@", "3-255"},
			{"too long", "x@" + strings.Repeat("a", 254), "3-255"},
			{"no at", "reviewer.example.org", "exactly one @"},
			{"leading at", "@example.org", "exactly one @"},
			{"trailing at", "reviewer@", "exactly one @"},
			{"double at", "a@b@c", "exactly one @"},
			{"space", "a b@example.org", "invalid character"},
			{"control", "a\t@example.org", "invalid character"},
			{"unicode", "aré@example.org", "invalid character"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				err := model.ValidateEmail(tt.email)
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.want)
			})
		}
	})
}

func TestValidateTag(t *testing.T) {
	t.Run("valid tags", func(t *testing.T) {
		valid := []string{
			"a",
			"rct",
			"cohort-study",
			"case_control",
			"phase3",
			strings.Repeat("a", 64), // exactly at the limit
		}
		for _, tag := range valid {
			require.NoError(t, model.ValidateTag(tag), "expected valid tag: %q", tag)
		}
	})

	t.Run("invalid tags", func(t *testing.T) {
		tests := []struct {
			name string
			tag  string
			want string // substring expected in error message
		}{
			{"empty", "", "must not be empty"},
			{"too long", strings.Repeat("a", 65), "at most 64"},
			{"starts with digit", "1abc", "must start with a lowercase letter"},
			{"starts with hyphen", "-abc", "must start with a lowercase letter"},
			{"starts with uppercase", "Abc", "must start with a lowercase letter"},
			{"contains uppercase", "aBc", "invalid character"},
			{"contains space", "a b", "invalid character"},
			{"contains dot", "a.b", "invalid character"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				err := model.ValidateTag(tt.tag)
				require.Error(t, err, "expected error for tag %q", tt.tag)
				assert.Contains(t, err.Error(), tt.want)
			})
		}
	})
}

func TestGenerateAndParseRawKey(t *testing.T) {
	rawKey, prefix, err := model.GenerateRawKey()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rawKey, "hy_"))
	assert.Len(t, prefix, 8)

	gotPrefix, fullKey, err := model.ParseRawKey(rawKey)
	require.NoError(t, err)
	assert.Equal(t, prefix, gotPrefix)
	assert.Equal(t, rawKey, fullKey)

	// Two keys never collide on prefix+secret.
	rawKey2, _, err := model.GenerateRawKey()
	require.NoError(t, err)
	assert.NotEqual(t, rawKey, rawKey2)
}

func TestParseRawKey_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"empty", ""},
		{"wrong prefix", "ak_abcd1234_deadbeef"},
		{"missing separator", "hy_abcd1234deadbeef"},
		{"empty prefix", "hy__deadbeef"},
		{"trailing separator", "hy_abcd1234_"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := model.ParseRawKey(tt.key)
			require.Error(t, err)
		})
	}
}
