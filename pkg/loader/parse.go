// Package loader resolves a unit id to its configuration: locating the
// fragment and drop-ins on an ordered search path, parsing the
// section/key=value grammar, expanding specifiers, and walking
// .wants/.requires symlink directories into graph edges. The lexical
// grammar itself is deliberately minimal — the core's job is assembling
// and merging sections, not validating every systemd unit-file feature.
package loader

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Section is one [Name] block's raw key=value pairs, in file order, with
// repeated keys preserved as repeated slice entries — systemd settings
// like ExecStartPre= are additive across drop-ins, so collapsing to a
// map at parse time would silently drop all but the last occurrence.
type Section struct {
	Name    string
	Entries []Entry
}

// Entry is one key=value line.
type Entry struct {
	Key   string
	Value string
}

// File is a parsed fragment or drop-in: an ordered list of sections.
type File struct {
	Sections []Section
}

// Get returns the last value assigned to key within section, the
// systemd convention for non-additive settings ("last one wins").
func (f *File) Get(section, key string) (string, bool) {
	var val string
	found := false
	for _, s := range f.Sections {
		if s.Name != section {
			continue
		}
		for _, e := range s.Entries {
			if e.Key == key {
				val = e.Value
				found = true
			}
		}
	}
	return val, found
}

// All returns every value assigned to key within section, in file
// order, for additive settings such as ExecStartPre=.
func (f *File) All(section, key string) []string {
	var out []string
	for _, s := range f.Sections {
		if s.Name != section {
			continue
		}
		for _, e := range s.Entries {
			if e.Key == key {
				out = append(out, e.Value)
			}
		}
	}
	return out
}

// Parse reads a unit fragment or drop-in. Supported grammar: "[Section]"
// headers, "Key=Value" assignments, "#" and ";" full-line comments,
// blank lines ignored, and a trailing "\" continuing a value onto the
// next line. Anything else is a syntax error naming the line number.
func Parse(r io.Reader) (*File, error) {
	f := &File{}
	var cur *Section
	var pendingKey string
	var pendingValue strings.Builder
	continuing := false

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()

		if continuing {
			trimmed := strings.TrimSpace(line)
			if strings.HasSuffix(trimmed, "\\") {
				pendingValue.WriteString(strings.TrimSuffix(trimmed, "\\"))
				continue
			}
			pendingValue.WriteString(trimmed)
			if cur == nil {
				return nil, fmt.Errorf("loader: line %d: assignment outside any section", lineNo)
			}
			cur.Entries = append(cur.Entries, Entry{Key: pendingKey, Value: strings.TrimSpace(pendingValue.String())})
			continuing = false
			pendingValue.Reset()
			continue
		}

		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, ";") {
			continue
		}

		if strings.HasPrefix(trimmed, "[") {
			if !strings.HasSuffix(trimmed, "]") {
				return nil, fmt.Errorf("loader: line %d: unterminated section header", lineNo)
			}
			name := strings.TrimSpace(trimmed[1 : len(trimmed)-1])
			if name == "" {
				return nil, fmt.Errorf("loader: line %d: empty section name", lineNo)
			}
			f.Sections = append(f.Sections, Section{Name: name})
			cur = &f.Sections[len(f.Sections)-1]
			continue
		}

		eq := strings.IndexByte(trimmed, '=')
		if eq < 0 {
			return nil, fmt.Errorf("loader: line %d: expected Key=Value, got %q", lineNo, trimmed)
		}
		key := strings.TrimSpace(trimmed[:eq])
		value := trimmed[eq+1:]
		rawTrimmed := strings.TrimRight(value, " \t")
		if strings.HasSuffix(rawTrimmed, "\\") {
			pendingKey = key
			pendingValue.WriteString(strings.TrimSuffix(rawTrimmed, "\\"))
			continuing = true
			continue
		}

		if cur == nil {
			return nil, fmt.Errorf("loader: line %d: assignment outside any section", lineNo)
		}
		cur.Entries = append(cur.Entries, Entry{Key: key, Value: strings.TrimSpace(value)})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("loader: %w", err)
	}
	if continuing {
		return nil, fmt.Errorf("loader: file ends with an unterminated line continuation")
	}
	return f, nil
}

// Merge folds drop-in on top of base in place: sections with the same
// name are appended to (entries accumulate; Get's last-wins semantics
// then picks up the drop-in's override automatically), new sections are
// appended wholesale. base may be nil, in which case drop-in's sections
// become the whole result.
func Merge(base *File, dropIn *File) *File {
	if base == nil {
		return dropIn
	}
	for _, s := range dropIn.Sections {
		idx := -1
		for i := range base.Sections {
			if base.Sections[i].Name == s.Name {
				idx = i
				break
			}
		}
		if idx < 0 {
			base.Sections = append(base.Sections, s)
			continue
		}
		base.Sections[idx].Entries = append(base.Sections[idx].Entries, s.Entries...)
	}
	return base
}
