package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionIDRoundtrip(t *testing.T) {
	tests := []struct {
		id       string
		filename string
	}{
		{"ws/0", "ws-0"},
		{"ws/3", "ws-3"},
		{"ws/42", "ws-42"},
		{"ws/toplevel", "ws-toplevel"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.filename, SessionIDToFilename(tt.id))
		assert.Equal(t, tt.id, FilenameToSessionID(tt.filename))
	}
}

func TestFilenameNoSeparatorUnchanged(t *testing.T) {
	assert.Equal(t, "plain", FilenameToSessionID("plain"))
}

func TestFilenameOnlyFirstDashReplaced(t *testing.T) {
	// Literal hyphens after the first are preserved.
	assert.Equal(t, "ws/foo-bar", FilenameToSessionID("ws-foo-bar"))
}

func TestSessionNumber(t *testing.T) {
	n, ok := SessionNumber("ws/7")
	assert.True(t, ok)
	assert.Equal(t, uint64(7), n)

	_, ok = SessionNumber("ws/toplevel")
	assert.False(t, ok)

	_, ok = SessionNumber("other/3")
	assert.False(t, ok)
}

func TestValidateName(t *testing.T) {
	valid := []string{"foo", "foo-bar", "foo_bar", "FooBar123"}
	for _, name := range valid {
		assert.NoError(t, ValidateName(name), name)
	}
	invalid := []string{"", "foo bar", "foo.bar", "foo/bar"}
	for _, name := range invalid {
		assert.ErrorIs(t, ValidateName(name), ErrInvalidName, name)
	}
}

func TestParseSessionStatus(t *testing.T) {
	assert.Equal(t, SessionActive, ParseSessionStatus("active"))
	assert.Equal(t, SessionActive, ParseSessionStatus("active\n"))
	assert.Equal(t, SessionIdle, ParseSessionStatus("  idle  "))
	assert.Equal(t, SessionNeedsInput, ParseSessionStatus("needs_input"))
	assert.Equal(t, SessionDead, ParseSessionStatus("dead"))
	assert.Equal(t, SessionStarting, ParseSessionStatus(""))
	assert.Equal(t, SessionStarting, ParseSessionStatus("garbage"))
}
