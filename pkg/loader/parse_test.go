package loader

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBasicSections(t *testing.T) {
	src := `[Unit]
Description=an example service

[Service]
ExecStart=/usr/bin/echo hi
ExecStartPre=/usr/bin/true
ExecStartPre=/usr/bin/true2
`
	f, err := Parse(strings.NewReader(src))
	require.NoError(t, err)

	desc, ok := f.Get("Unit", "Description")
	require.True(t, ok)
	assert.Equal(t, "an example service", desc)

	pres := f.All("Service", "ExecStartPre")
	assert.Equal(t, []string{"/usr/bin/true", "/usr/bin/true2"}, pres)
}

func TestParseIgnoresCommentsAndBlankLines(t *testing.T) {
	src := "[Unit]\n# a comment\n; also a comment\n\nDescription=x\n"
	f, err := Parse(strings.NewReader(src))
	require.NoError(t, err)
	v, ok := f.Get("Unit", "Description")
	require.True(t, ok)
	assert.Equal(t, "x", v)
}

func TestParseLineContinuation(t *testing.T) {
	src := "[Service]\nExecStart=/usr/bin/echo \\\n  hello \\\n  world\n"
	f, err := Parse(strings.NewReader(src))
	require.NoError(t, err)
	v, ok := f.Get("Service", "ExecStart")
	require.True(t, ok)
	assert.Equal(t, "/usr/bin/echo hello world", v)
}

func TestParseRejectsAssignmentOutsideSection(t *testing.T) {
	_, err := Parse(strings.NewReader("Description=x\n"))
	assert.Error(t, err)
}

func TestParseRejectsMalformedLine(t *testing.T) {
	_, err := Parse(strings.NewReader("[Unit]\nnotakeyvalue\n"))
	assert.Error(t, err)
}

func TestMergeDropInOverridesLastWins(t *testing.T) {
	base, err := Parse(strings.NewReader("[Service]\nRestart=no\n"))
	require.NoError(t, err)
	dropIn, err := Parse(strings.NewReader("[Service]\nRestart=always\n"))
	require.NoError(t, err)

	merged := Merge(base, dropIn)
	v, ok := merged.Get("Service", "Restart")
	require.True(t, ok)
	assert.Equal(t, "always", v)
}

func TestMergeAppendsNewSection(t *testing.T) {
	base, err := Parse(strings.NewReader("[Unit]\nDescription=x\n"))
	require.NoError(t, err)
	dropIn, err := Parse(strings.NewReader("[Install]\nWantedBy=multi-user.target\n"))
	require.NoError(t, err)

	merged := Merge(base, dropIn)
	v, ok := merged.Get("Install", "WantedBy")
	require.True(t, ok)
	assert.Equal(t, "multi-user.target", v)
}
