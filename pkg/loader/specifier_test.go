package loader

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandBasicSpecifiers(t *testing.T) {
	ctx := SpecifierContext{
		FullID:   "foo@bar.service",
		Instance: "bar",
		Prefix:   "foo",
		Hostname: "host1",
	}
	got := Expand("starting %n (instance %i on %p@%H)", ctx)
	assert.Equal(t, "starting foo@bar.service (instance bar on foo@host1)", got)
}

func TestExpandLiteralPercent(t *testing.T) {
	assert.Equal(t, "100%", Expand("100%%", SpecifierContext{}))
}

func TestExpandUnknownSpecifierLeftAlone(t *testing.T) {
	assert.Equal(t, "%Q", Expand("%Q", SpecifierContext{}))
}

func TestEscapeUnescapeRoundTrip(t *testing.T) {
	cases := []string{"/dev/sda1", "/var/lib/my app", "/"}
	for _, c := range cases {
		escaped := EscapeName(c)
		assert.Equal(t, c, UnescapeName(escaped))
	}
}

func TestEscapeNameReplacesSlashWithDash(t *testing.T) {
	assert.Equal(t, "-dev-sda1", EscapeName("/dev/sda1"))
}
