package toolchain

import (
	"os"
	"strings"

	"golang.org/x/xerrors"
)

// maxResponseFileDepth bounds @file expansion to one recursive level
// (spec §4.2), so a malformed or adversarial build graph cannot drive
// unbounded recursion while still allowing the common "response file
// referencing another response file" pattern used by some build
// front-ends.
const maxResponseFileDepth = 1

// ExpandResponseFiles rewrites any "@file" argument into the tokens
// read from file, recursing up to maxResponseFileDepth times.
func ExpandResponseFiles(args []string, tokenize func(string) ([]string, error)) ([]string, error) {
	return expandResponseFiles(args, tokenize, 0)
}

func expandResponseFiles(args []string, tokenize func(string) ([]string, error), depth int) ([]string, error) {
	var out []string
	for _, a := range args {
		if !strings.HasPrefix(a, "@") {
			out = append(out, a)
			continue
		}
		if depth > maxResponseFileDepth {
			return nil, xerrors.Errorf("response file %q nested deeper than %d levels", a, maxResponseFileDepth)
		}
		path := strings.TrimPrefix(a, "@")
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, xerrors.Errorf("reading response file %q: %w", path, err)
		}
		tokens, err := tokenize(string(content))
		if err != nil {
			return nil, xerrors.Errorf("tokenizing response file %q: %w", path, err)
		}
		expanded, err := expandResponseFiles(tokens, tokenize, depth+1)
		if err != nil {
			return nil, err
		}
		out = append(out, expanded...)
	}
	return out, nil
}

// TokenizeMSVC splits response-file content for cl.exe:
// whitespace-separated, and single- or double-quoted sections
// preserve internal whitespace with the quotes themselves dropped. It
// shares tokenizeQuoted with TokenizeUnix; a doubled quote is not
// read as a literal quote character.
func TokenizeMSVC(content string) ([]string, error) {
	return tokenizeQuoted(content), nil
}

// TokenizeUnix splits response-file content for Clang/GCC:
// whitespace-separated, and single- or double-quoted sections
// preserve internal whitespace with the quotes themselves dropped.
// Backslashes are kept as ordinary characters, not read as escapes.
func TokenizeUnix(content string) ([]string, error) {
	return tokenizeQuoted(content), nil
}

func tokenizeQuoted(content string) []string {
	var tokens []string
	var cur strings.Builder
	inToken := false
	var quote byte
	for i := 0; i < len(content); i++ {
		c := content[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			} else {
				cur.WriteByte(c)
			}
			inToken = true
		case c == '"' || c == '\'':
			quote = c
			inToken = true
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			if inToken {
				tokens = append(tokens, cur.String())
				cur.Reset()
				inToken = false
			}
		default:
			cur.WriteByte(c)
			inToken = true
		}
	}
	if inToken {
		tokens = append(tokens, cur.String())
	}
	return tokens
}
