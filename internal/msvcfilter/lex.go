package msvcfilter

import "strings"

// advanceLineState scans one line of source, starting from the
// lexical state carried over from the previous line, and returns the
// state in effect at the end of the line. A line comment never
// survives past its own physical line unless that line ends with a
// line-continuation backslash.
func advanceLineState(line string, state lexState) lexState {
	i, n := 0, len(line)
	for i < n {
		c := line[i]
		switch state {
		case stLineComment:
			i = n
		case stBlockComment:
			if c == '*' && i+1 < n && line[i+1] == '/' {
				state = stCode
				i += 2
				continue
			}
			i++
		case stString:
			if c == '\\' && i+1 < n {
				i += 2
				continue
			}
			if c == '"' {
				state = stCode
			}
			i++
		case stChar:
			if c == '\\' && i+1 < n {
				i += 2
				continue
			}
			if c == '\'' {
				state = stCode
			}
			i++
		default: // stCode
			switch {
			case c == '/' && i+1 < n && line[i+1] == '/':
				state = stLineComment
				i = n
			case c == '/' && i+1 < n && line[i+1] == '*':
				state = stBlockComment
				i += 2
			case c == '"':
				state = stString
				i++
			case c == '\'':
				state = stChar
				i++
			default:
				i++
			}
		}
	}
	if state == stLineComment {
		if strings.HasSuffix(line, "\\") {
			return stLineComment
		}
		return stCode
	}
	return state
}

// directiveKeyword splits a trimmed "#keyword rest" line.
func directiveKeyword(trimmed string) (keyword, rest string) {
	body := strings.TrimLeft(strings.TrimPrefix(trimmed, "#"), " \t")
	idx := strings.IndexAny(body, " \t")
	if idx < 0 {
		return body, ""
	}
	return body[:idx], strings.TrimLeft(body[idx:], " \t")
}

// lineDirectivePath parses the quoted path out of a "#line N \"path\""
// directive's remainder ("N \"path\"").
func lineDirectivePath(rest string) (string, bool) {
	rest = strings.TrimLeft(rest, " \t")
	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	if i == 0 {
		return "", false
	}
	rest = strings.TrimLeft(rest[i:], " \t")
	if len(rest) < 2 || rest[0] != '"' {
		return "", false
	}
	end := strings.IndexByte(rest[1:], '"')
	if end < 0 {
		return "", false
	}
	return rest[1 : 1+end], true
}

func normalizePath(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}

// endsWithComponent reports whether path ends with marker, compared
// path-component-wise (not as a raw substring) and case-sensitively,
// per the Open Question in spec §9(a).
func endsWithComponent(path, marker string) bool {
	if marker == "" {
		return false
	}
	pathSegs := strings.Split(strings.Trim(path, "/"), "/")
	markerSegs := strings.Split(strings.Trim(marker, "/"), "/")
	if len(markerSegs) > len(pathSegs) {
		return false
	}
	offset := len(pathSegs) - len(markerSegs)
	for i, seg := range markerSegs {
		if pathSegs[offset+i] != seg {
			return false
		}
	}
	return true
}
