package target

import (
	"errors"
	"testing"

	"github.com/internhub/notifyhub/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var directory = []models.DirectoryEntry{
	{UserID: "i1", Role: models.RoleIntern, GroupID: "g1"},
	{UserID: "i2", Role: models.RoleIntern, GroupID: "g2"},
	{UserID: "i3", Role: models.RoleIntern, GroupID: "g1"},
	{UserID: "a1", Role: models.RoleAdmin},
}

type bogus struct{ User }

func TestResolve(t *testing.T) {
	tests := []struct {
		name   string
		target Target
		want   []string
	}{
		{"user", User{ID: "x"}, []string{"x"}},
		{"group", Group{ID: "g1"}, []string{"i1", "i3"}},
		{"empty group", Group{ID: "g9"}, []string{}},
		{"interns", Role{Role: models.RoleIntern}, []string{"i1", "i2", "i3"}},
		{"admins", Role{Role: models.RoleAdmin}, []string{"a1"}},
		{"all does not fan out", All{}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.target, directory)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveSkipsDuplicateEntries(t *testing.T) {
	dir := append([]models.DirectoryEntry{}, directory...)
	dir = append(dir, models.DirectoryEntry{UserID: "i1", Role: models.RoleIntern, GroupID: "g1"})

	got, err := Resolve(Group{ID: "g1"}, dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"i1", "i3"}, got)
}

func TestResolveInvalidTargets(t *testing.T) {
	for _, tgt := range []Target{User{}, Group{ID: " "}, Role{Role: "mentor"}, bogus{}, nil} {
		_, err := Resolve(tgt, directory)
		var invalid *InvalidTargetError
		assert.True(t, errors.As(err, &invalid), "target %#v", tgt)
	}
}

func TestParse(t *testing.T) {
	tgt, err := Parse("USER", "u1", "")
	require.NoError(t, err)
	assert.Equal(t, User{ID: "u1"}, tgt)

	tgt, err = Parse("group", "", "g1")
	require.NoError(t, err)
	assert.Equal(t, Group{ID: "g1"}, tgt)

	tgt, err = Parse("INTERNS", "", "")
	require.NoError(t, err)
	assert.Equal(t, Role{Role: models.RoleIntern}, tgt)

	tgt, err = Parse("ADMINS", "", "")
	require.NoError(t, err)
	assert.Equal(t, Role{Role: models.RoleAdmin}, tgt)

	tgt, err = Parse("ALL", "", "")
	require.NoError(t, err)
	assert.Equal(t, All{}, tgt)

	for _, bad := range [][3]string{{"USER", "", ""}, {"GROUP", "u1", ""}, {"EVERYONE", "", ""}} {
		_, err := Parse(bad[0], bad[1], bad[2])
		var invalid *InvalidTargetError
		assert.True(t, errors.As(err, &invalid), "input %v", bad)
	}
}

func TestTypeOf(t *testing.T) {
	cases := map[Target]models.NotificationTargetType{
		User{ID: "u"}:                 models.TargetTypeUser,
		Group{ID: "g"}:                models.TargetTypeGroup,
		Role{Role: models.RoleIntern}: models.TargetTypeRoleInterns,
		Role{Role: models.RoleAdmin}:  models.TargetTypeRoleAdmins,
		All{}:                         models.TargetTypeAll,
	}
	for tgt, want := range cases {
		got, err := TypeOf(tgt)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := TypeOf(Role{Role: "mentor"})
	assert.Error(t, err)
}
