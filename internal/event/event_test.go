package event

import (
	"errors"
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	now := time.Now()
	mode := fs.FileMode(0o644)

	cases := []struct {
		name string
		ev   Event
		ok   bool
	}{
		{"command", NewCommand(now, &CommandEvent{CommandLine: "ls"}), true},
		{"empty command", NewCommand(now, &CommandEvent{}), false},
		{"created", NewFileChange(now, &FileChangeEvent{Path: "/a", ChangeKind: Created}), true},
		{"renamed without target", NewFileChange(now, &FileChangeEvent{Path: "/a", ChangeKind: Renamed}), false},
		{"renamed", NewFileChange(now, &FileChangeEvent{Path: "/a", ChangeKind: Renamed, RenameTarget: "/b"}), true},
		{"permissions on created", NewFileChange(now, &FileChangeEvent{Path: "/a", ChangeKind: Created, PermissionsAfter: &mode}), false},
		{"both variants", Event{Kind: KindCommand, Command: &CommandEvent{CommandLine: "ls"}, FileChange: &FileChangeEvent{}}, false},
		{"unknown kind", Event{Kind: "note"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.ev.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidEvent))
			}
		})
	}
}

func TestCompletionApplyCopies(t *testing.T) {
	orig := &CommandEvent{ID: "c1", CommandLine: "make"}
	code := 2
	done := Completion{ExitStatus: &code, CompletedAt: time.Now()}.Apply(orig)

	assert.True(t, orig.Pending(), "original must not be mutated")
	assert.False(t, done.Pending())
	require.NotNil(t, done.ExitStatus)
	assert.Equal(t, 2, *done.ExitStatus)
}

func TestActionLogHelpers(t *testing.T) {
	now := time.Now()
	log := ActionLog{Events: []Event{
		NewFileChange(now, &FileChangeEvent{Path: "/a", ChangeKind: Created}),
		NewCommand(now, &CommandEvent{CommandLine: "ls"}),
	}}
	log.Events[1].Corrupt = true

	assert.Equal(t, 1, log.CorruptCount())
	assert.Len(t, log.Commands(), 1)
	assert.Len(t, log.FileChanges(), 1)
}
