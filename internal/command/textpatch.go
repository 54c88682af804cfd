package command

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// hunkHeader matches "@@ -l[,s] +l[,s] @@" with optional section heading.
var hunkHeader = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// ApplyUnifiedDiff applies a unified diff to base and returns the patched
// document. The diff must apply cleanly: every context and deletion line has
// to match the base exactly at the position the hunk header declares, which
// is what makes replayed patches deterministic across replicas.
//
// The example corpus has diff generators and parsers but no applier, so the
// hunk application is implemented here.
func ApplyUnifiedDiff(base, diff string) (string, error) {
	baseLines, baseTrailingNL := splitLines(base)

	var (
		out      []string
		cursor   int // next unread index into baseLines
		inHunk   bool
		baseIdx  int // current match position within baseLines
		sawHunks bool
	)

	lines := strings.Split(diff, "\n")
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if m := hunkHeader.FindStringSubmatch(line); m != nil {
			sawHunks = true
			inHunk = true
			start, err := strconv.Atoi(m[1])
			if err != nil {
				return "", fmt.Errorf("%w: bad hunk header %q", ErrInvalid, line)
			}
			// A start of 0 with length 0 means "insert before the first line".
			if start > 0 {
				start--
			}
			if start < cursor || start > len(baseLines) {
				return "", fmt.Errorf("%w: hunk at line %d does not fit the base document", ErrInvalid, start+1)
			}
			out = append(out, baseLines[cursor:start]...)
			cursor = start
			baseIdx = start
			continue
		}
		if !inHunk {
			// File headers ("--- a/...", "+++ b/...") and free-form preamble.
			continue
		}
		if line == "" && i == len(lines)-1 {
			break // trailing newline of the diff text itself
		}
		switch {
		case strings.HasPrefix(line, " "):
			if baseIdx >= len(baseLines) || baseLines[baseIdx] != line[1:] {
				return "", fmt.Errorf("%w: context mismatch at base line %d", ErrInvalid, baseIdx+1)
			}
			out = append(out, baseLines[baseIdx])
			baseIdx++
			cursor = baseIdx
		case strings.HasPrefix(line, "-"):
			if baseIdx >= len(baseLines) || baseLines[baseIdx] != line[1:] {
				return "", fmt.Errorf("%w: deletion mismatch at base line %d", ErrInvalid, baseIdx+1)
			}
			baseIdx++
			cursor = baseIdx
		case strings.HasPrefix(line, "+"):
			out = append(out, line[1:])
		case strings.HasPrefix(line, `\`):
			// "\ No newline at end of file": the sanitized store always
			// keeps a trailing newline, so the marker is informational.
		default:
			return "", fmt.Errorf("%w: unexpected diff line %q", ErrInvalid, line)
		}
	}
	if !sawHunks {
		return "", fmt.Errorf("%w: unified diff contains no hunks", ErrInvalid)
	}
	out = append(out, baseLines[cursor:]...)

	patched := strings.Join(out, "\n")
	if baseTrailingNL || len(out) > 0 {
		patched += "\n"
	}
	return SanitizeText(patched), nil
}

// splitLines splits a document into logical lines, reporting whether the
// document ended with a newline.
func splitLines(s string) ([]string, bool) {
	if s == "" {
		return nil, false
	}
	trailing := strings.HasSuffix(s, "\n")
	if trailing {
		s = s[:len(s)-1]
	}
	return strings.Split(s, "\n"), trailing
}
