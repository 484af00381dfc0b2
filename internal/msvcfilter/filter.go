// Package msvcfilter implements the MSVC preprocessed-output filter
// of spec §4.3: a streaming scanner that locates the precompiled-
// header boundary in /P output (marked by a #line directive returning
// to the entry file after the marker header was seen) and rewrites
// the stream so the compile step can honour #pragma hdrstop.
//
// The scanner carries just enough lexical state -- are we inside a
// string/char literal, a line comment, or a block comment -- to avoid
// mistaking a '#' inside one of those for a directive, the same
// minimal-lexing approach distri's internal/build/glob.go takes to
// pattern-match paths without a full parser.
package msvcfilter

import (
	"bufio"
	"bytes"
	"strings"

	"golang.org/x/xerrors"
)

// ErrMarkerNotFound is returned when Marker is set but the stream ends
// without a precompiled-header boundary: either no #line directive
// names the marker, or no later #line leaves it (an explicit
// "#pragma hdrstop" also counts as a boundary).
var ErrMarkerNotFound = xerrors.New("msvcfilter: marker not found")

// Filter locates and rewrites the precompiled-header prefix of an
// MSVC preprocessed stream.
type Filter struct {
	// Marker is the precompiled-header path (e.g. the /Yc or /Yu
	// argument). Comparison is "ends with", case-sensitive,
	// component-wise after normalizing backslashes to slashes.
	Marker string

	// KeepHeaders passes the prefix through unchanged (PCH-build,
	// /Yc) instead of suppressing it (PCH-consume, /Yu).
	KeepHeaders bool
}

// lexState tracks just enough context to recognize directive lines
// and #pragma hdrstop verbatim without misfiring inside a string,
// char literal or comment.
type lexState int

const (
	stCode lexState = iota
	stBlockComment
	stLineComment
	stString
	stChar
)

// Run reads an entire preprocessed stream and returns the filtered
// output.
func (f *Filter) Run(input []byte) ([]byte, error) {
	var out bytes.Buffer
	sc := bufio.NewScanner(bytes.NewReader(input))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	state := stCode
	markerFound := false
	boundaryFound := false
	markerNorm := normalizePath(f.Marker)

	for sc.Scan() {
		line := sc.Text()
		lineState := state // state carried in from previous lines
		state = advanceLineState(line, state)

		if boundaryFound {
			out.WriteString(line)
			out.WriteByte('\n')
			continue
		}

		trimmed := strings.TrimLeft(line, " \t")
		isDirective := lineState == stCode && strings.HasPrefix(trimmed, "#")

		if isDirective {
			keyword, rest := directiveKeyword(trimmed)
			switch keyword {
			case "line":
				path, ok := lineDirectivePath(rest)
				if ok {
					norm := normalizePath(path)
					if f.Marker != "" && endsWithComponent(norm, markerNorm) {
						markerFound = true
					} else if markerFound {
						out.WriteString("#pragma hdrstop\n")
						boundaryFound = true
						out.WriteString(line)
						out.WriteByte('\n')
						continue
					}
				}
			case "pragma":
				if strings.TrimSpace(rest) == "hdrstop" {
					out.WriteString(line)
					out.WriteByte('\n')
					boundaryFound = true
					continue
				}
			}
		}

		if f.KeepHeaders {
			out.WriteString(line)
			out.WriteByte('\n')
			continue
		}

		// Suppression mode: drop the line unless a comment/string
		// opened on an earlier dropped line is still open, in which
		// case emit a blank line to keep it from swallowing content
		// past the boundary.
		if lineState != stCode {
			out.WriteByte('\n')
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if f.Marker != "" && !boundaryFound {
		return nil, ErrMarkerNotFound
	}
	return out.Bytes(), nil
}
