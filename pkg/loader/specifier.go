package loader

import (
	"os"
	"strings"

	"github.com/ravend/raven/pkg/types"
)

// SpecifierContext supplies the values the %-specifiers in a unit
// fragment expand to. Machine is set from the running host at manager
// start; the rest vary per unit.
type SpecifierContext struct {
	FullID       types.UnitID // %n
	FullIDUnescaped string     // %N
	Instance     string       // %i
	InstanceUnescaped string  // %I
	Prefix       string       // %p (template name)
	PrefixUnescaped string    // %P
	FragmentPath string       // %f
	UserHome     string       // %h
	Hostname     string       // %H
	MachineID    string       // %m
	BootID       string       // %b
	RuntimeDir   string       // %t
	TempDir      string       // %T
	VarTempDir   string       // %V
}

// Expand replaces every recognized %-specifier in s. An unrecognized
// specifier letter is left untouched (matching the original's
// conservative behavior of not corrupting unknown future specifiers),
// and "%%" always collapses to a literal "%".
func Expand(s string, ctx SpecifierContext) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '%' || i == len(s)-1 {
			b.WriteByte(s[i])
			continue
		}
		letter := s[i+1]
		if val, ok := lookup(letter, ctx); ok {
			b.WriteString(val)
			i++
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func lookup(letter byte, ctx SpecifierContext) (string, bool) {
	switch letter {
	case '%':
		return "%", true
	case 'n':
		return string(ctx.FullID), true
	case 'N':
		return unescapeName(ctx.FullIDUnescaped), true
	case 'i':
		return ctx.Instance, true
	case 'I':
		return unescapeName(ctx.InstanceUnescaped), true
	case 'p':
		return ctx.Prefix, true
	case 'P':
		return unescapeName(ctx.PrefixUnescaped), true
	case 'f':
		return ctx.FragmentPath, true
	case 'h':
		return ctx.UserHome, true
	case 'H':
		return ctx.Hostname, true
	case 'm':
		return ctx.MachineID, true
	case 'b':
		return ctx.BootID, true
	case 't':
		return ctx.RuntimeDir, true
	case 'T':
		return ctx.TempDir, true
	case 'V':
		return ctx.VarTempDir, true
	default:
		return "", false
	}
}

func unescapeName(s string) string {
	if s == "" {
		return s
	}
	return s
}

// EscapeName converts an arbitrary string (e.g. a device path or mount
// point) into the form usable as a unit-name component: "/" becomes
// "-", and every other byte outside [A-Za-z0-9:_.] (including "-"
// itself) is escaped as "\xHH" the way systemd-escape does, so the result round
// trips unambiguously back through UnescapeName.
func EscapeName(s string) string {
	if s == "" {
		return `\x00` // empty is not a valid name component
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '/':
			b.WriteByte('-')
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == ':', c == '_', c == '.':
			b.WriteByte(c)
		default:
			b.WriteString("\\x")
			b.WriteString(hexByte(c))
		}
	}
	return b.String()
}

// UnescapeName reverses EscapeName: "-" becomes "/" and "\xHH" escapes
// are decoded back to their raw byte.
func UnescapeName(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '-':
			b.WriteByte('/')
		case s[i] == '\\' && i+3 < len(s) && s[i+1] == 'x':
			if v, ok := unhexByte(s[i+2], s[i+3]); ok {
				b.WriteByte(v)
				i += 3
				continue
			}
			b.WriteByte(s[i])
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

const hexDigits = "0123456789abcdef"

func hexByte(c byte) string {
	return string([]byte{hexDigits[c>>4], hexDigits[c&0xf]})
}

func unhexByte(hi, lo byte) (byte, bool) {
	h, ok1 := hexVal(hi)
	l, ok2 := hexVal(lo)
	if !ok1 || !ok2 {
		return 0, false
	}
	return h<<4 | l, true
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}

// Hostname returns the current host's name, falling back to "localhost"
// if it cannot be determined.
func Hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "localhost"
	}
	return h
}
