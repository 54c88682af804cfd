package command

import "fmt"

// Revision points at a single commit in a repository's history.
//
// Positive majors are absolute: 1 is the first commit of every repository.
// Non-positive majors are relative to the head at the moment of evaluation
// (0 = HEAD, -1 = HEAD^, and so on) and must be normalized by the storage
// layer before use.
type Revision struct {
	Major int64 `json:"major"`
}

// Head addresses the latest commit of a repository.
var Head = Revision{Major: 0}

// Init addresses the first commit of a repository.
var Init = Revision{Major: 1}

// NewRevision returns a Revision with the given major number.
func NewRevision(major int64) Revision {
	return Revision{Major: major}
}

// IsRelative reports whether the revision is relative to HEAD and therefore
// needs normalization before it can address a commit.
func (r Revision) IsRelative() bool {
	return r.Major <= 0
}

// Backward returns the revision n commits before this one. Panics if n is
// negative; callers validate user input before arithmetic.
func (r Revision) Backward(n int64) Revision {
	if n < 0 {
		panic("command: negative distance passed to Revision.Backward")
	}
	return Revision{Major: r.Major - n}
}

func (r Revision) String() string {
	if r.Major == 0 {
		return "HEAD"
	}
	if r.Major < 0 {
		return fmt.Sprintf("HEAD%d", r.Major)
	}
	return fmt.Sprintf("%d", r.Major)
}

// Author identifies who issued a command.
type Author struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// System is the distinguished author used for commits generated by the
// server itself (bootstrap, sweepers, mirroring).
var System = Author{Name: "System", Email: "system@dogma.local"}

// IsZero reports whether the author carries no identity at all.
func (a Author) IsZero() bool {
	return a.Name == "" && a.Email == ""
}

// CommitResult is the outcome of a successful push: the new head revision
// and the change set that was actually committed after normalization.
type CommitResult struct {
	Revision Revision `json:"revision"`
	Changes  []Change `json:"changes,omitempty"`
}

// Markup declares how a commit's detail text should be rendered.
type Markup string

const (
	MarkupPlaintext Markup = "PLAINTEXT"
	MarkupMarkdown  Markup = "MARKDOWN"
)
