package command

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"sigs.k8s.io/yaml"
)

// ChangeType discriminates the kinds of file mutations a push may carry.
type ChangeType string

const (
	ChangeUpsertJSON     ChangeType = "UPSERT_JSON"
	ChangeUpsertYAML     ChangeType = "UPSERT_YAML"
	ChangeUpsertText     ChangeType = "UPSERT_TEXT"
	ChangeRemove         ChangeType = "REMOVE"
	ChangeRename         ChangeType = "RENAME"
	ChangeApplyJSONPatch ChangeType = "APPLY_JSON_PATCH"
	ChangeApplyTextPatch ChangeType = "APPLY_TEXT_PATCH"
)

// Change is one file-level mutation inside a push. Content carries the
// type-dependent payload: a JSON string for text, YAML and patch variants,
// a JSON tree for UPSERT_JSON, the new path string for RENAME, and nothing
// for REMOVE.
type Change struct {
	Type    ChangeType      `json:"type"`
	Path    string          `json:"path"`
	Content json.RawMessage `json:"content,omitempty"`
}

// SanitizeText converts CRLF line endings to LF and guarantees a trailing
// newline. All text content stored through UPSERT_TEXT passes through here
// so that the same logical document always has one canonical byte form.
func SanitizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	if s != "" && !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return s
}

// UpsertText creates or replaces a text file. The content is sanitized.
func UpsertText(path, text string) Change {
	return Change{Type: ChangeUpsertText, Path: path, Content: mustJSONString(SanitizeText(text))}
}

// UpsertJSON creates or replaces a JSON file. The content may be a JSON
// tree or raw JSON text; it is stored compacted so that semantically equal
// documents compare equal byte-wise.
func UpsertJSON(path string, content json.RawMessage) Change {
	var buf bytes.Buffer
	if err := json.Compact(&buf, content); err != nil {
		// Keep the raw bytes; validation rejects the change later with a
		// proper InvalidCommand instead of panicking at construction time.
		return Change{Type: ChangeUpsertJSON, Path: path, Content: content}
	}
	return Change{Type: ChangeUpsertJSON, Path: path, Content: json.RawMessage(buf.Bytes())}
}

// UpsertYAML creates or replaces a YAML file, kept as raw text.
func UpsertYAML(path, text string) Change {
	return Change{Type: ChangeUpsertYAML, Path: path, Content: mustJSONString(text)}
}

// Remove deletes a file, or a directory recursively.
func Remove(path string) Change {
	return Change{Type: ChangeRemove, Path: path}
}

// Rename moves a file or directory. The target must not exist at apply time.
func Rename(oldPath, newPath string) Change {
	return Change{Type: ChangeRename, Path: oldPath, Content: mustJSONString(newPath)}
}

// ApplyJSONPatch applies an RFC 6902 patch document to an existing JSON file.
func ApplyJSONPatch(path string, patch json.RawMessage) Change {
	return Change{Type: ChangeApplyJSONPatch, Path: path, Content: patch}
}

// ApplyTextPatch applies a unified diff to an existing text file.
func ApplyTextPatch(path, unifiedDiff string) Change {
	return Change{Type: ChangeApplyTextPatch, Path: path, Content: mustJSONString(unifiedDiff)}
}

// Text returns the string payload of a text-bearing change.
func (c Change) Text() (string, error) {
	var s string
	if err := json.Unmarshal(c.Content, &s); err != nil {
		return "", fmt.Errorf("%w: change %s at %s has non-string content", ErrInvalid, c.Type, c.Path)
	}
	return s, nil
}

// NewPath returns the rename target of a RENAME change.
func (c Change) NewPath() (string, error) {
	if c.Type != ChangeRename {
		return "", fmt.Errorf("%w: NewPath on change of type %s", ErrInvalid, c.Type)
	}
	return c.Text()
}

// Validate checks the change's structural invariants: path shape, content
// presence, and content well-formedness where it can be judged without the
// repository state.
func (c Change) Validate() error {
	if err := ValidatePath(c.Path); err != nil {
		return err
	}
	switch c.Type {
	case ChangeUpsertJSON:
		if !json.Valid(c.Content) {
			return fmt.Errorf("%w: UPSERT_JSON at %s carries invalid JSON", ErrInvalid, c.Path)
		}
	case ChangeUpsertYAML:
		text, err := c.Text()
		if err != nil {
			return err
		}
		if _, err := yaml.YAMLToJSON([]byte(text)); err != nil {
			return fmt.Errorf("%w: UPSERT_YAML at %s carries invalid YAML: %v", ErrInvalid, c.Path, err)
		}
	case ChangeUpsertText, ChangeApplyTextPatch:
		if _, err := c.Text(); err != nil {
			return err
		}
	case ChangeRemove:
		// Path alone suffices.
	case ChangeRename:
		target, err := c.NewPath()
		if err != nil {
			return err
		}
		if err := ValidatePath(target); err != nil {
			return err
		}
		if target == c.Path {
			return fmt.Errorf("%w: rename of %s onto itself", ErrInvalid, c.Path)
		}
	case ChangeApplyJSONPatch:
		if !json.Valid(c.Content) {
			return fmt.Errorf("%w: APPLY_JSON_PATCH at %s carries invalid JSON", ErrInvalid, c.Path)
		}
	default:
		return fmt.Errorf("%w: unknown change type %q", ErrInvalid, c.Type)
	}
	return nil
}

func mustJSONString(s string) json.RawMessage {
	b, err := json.Marshal(s)
	if err != nil {
		// json.Marshal of a string cannot fail.
		panic(err)
	}
	return json.RawMessage(b)
}
