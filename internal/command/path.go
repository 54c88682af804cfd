package command

import (
	"fmt"
	"strings"
)

// ValidatePath checks that p is an acceptable repository path: absolute,
// '/'-separated, with no empty, "." or ".." segments and no trailing slash.
// The root "/" itself is not addressable by a change.
func ValidatePath(p string) error {
	if p == "" {
		return fmt.Errorf("%w: empty path", ErrInvalid)
	}
	if !strings.HasPrefix(p, "/") {
		return fmt.Errorf("%w: path %q is not absolute", ErrInvalid, p)
	}
	if p == "/" {
		return fmt.Errorf("%w: the repository root is not a valid change path", ErrInvalid)
	}
	if strings.HasSuffix(p, "/") {
		return fmt.Errorf("%w: path %q has a trailing slash", ErrInvalid, p)
	}
	for _, seg := range strings.Split(p[1:], "/") {
		switch seg {
		case "":
			return fmt.Errorf("%w: path %q contains an empty segment", ErrInvalid, p)
		case ".", "..":
			return fmt.Errorf("%w: path %q contains a relative segment", ErrInvalid, p)
		}
	}
	return nil
}

// IsDirPrefixOf reports whether path child lives under the directory dir.
// Both arguments are repository paths as accepted by ValidatePath.
func IsDirPrefixOf(dir, child string) bool {
	return strings.HasPrefix(child, dir+"/")
}
