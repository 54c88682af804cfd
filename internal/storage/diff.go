package storage

import (
	"encoding/json"
	"reflect"
	"sort"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/dogma-io/dogma/internal/command"
)

// JSONEqual reports semantic equality of two JSON documents.
func JSONEqual(a, b []byte) bool {
	var va, vb interface{}
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}

// DiffTrees expresses the difference between two content snapshots as a
// change set: upserts for added files, removes for deleted files, and for
// modified files either a JSON upsert or a unified-diff text patch. The
// result is ordered by path. Implementations use it to answer Diff queries,
// and the replicated executor uses it to resolve transformer output into a
// verbatim push.
func DiffTrees(before, after map[string][]byte) []command.Change {
	paths := make([]string, 0, len(before)+len(after))
	seen := make(map[string]bool, len(before)+len(after))
	for p := range before {
		paths = append(paths, p)
		seen[p] = true
	}
	for p := range after {
		if !seen[p] {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)

	var changes []command.Change
	for _, p := range paths {
		old, hadOld := before[p]
		cur, hasNew := after[p]
		switch {
		case !hasNew:
			changes = append(changes, command.Remove(p))
		case !hadOld:
			changes = append(changes, upsertFor(p, cur))
		case string(old) == string(cur):
			// unchanged
		case json.Valid(old) && json.Valid(cur) && !isPlainText(old):
			if JSONEqual(old, cur) {
				continue
			}
			changes = append(changes, command.UpsertJSON(p, cur))
		default:
			diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
				A:        difflib.SplitLines(string(old)),
				B:        difflib.SplitLines(string(cur)),
				FromFile: p,
				ToFile:   p,
				Context:  3,
			})
			if err != nil || diff == "" {
				changes = append(changes, upsertFor(p, cur))
				continue
			}
			changes = append(changes, command.ApplyTextPatch(p, diff))
		}
	}
	return changes
}

// upsertFor picks the change type for new content by shape: a valid JSON
// object or array becomes UPSERT_JSON, everything else UPSERT_TEXT.
func upsertFor(path string, content []byte) command.Change {
	if json.Valid(content) && !isPlainText(content) {
		return command.UpsertJSON(path, content)
	}
	return command.UpsertText(path, string(content))
}

// isPlainText reports whether a JSON-valid byte slice is better treated as
// text: documents that merely happen to parse (a bare number or quoted
// word) stay text so diffs remain line-based.
func isPlainText(b []byte) bool {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return true
	}
	switch v.(type) {
	case map[string]interface{}, []interface{}:
		return false
	default:
		return true
	}
}
