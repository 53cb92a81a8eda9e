package outbound

import (
	"path/filepath"
	"strings"

	"github.com/nextlevelbuilder/qqclaw/internal/qqerr"
)

// PathPolicy confines outbound local files to a fixed set of roots.
// Checks run against the canonical real path so symlinks cannot escape
// the allowlist.
type PathPolicy struct {
	roots []string
}

// NewPathPolicy builds a policy from the allowed roots. Empty entries
// are skipped; roots that do not resolve yet are kept in cleaned form
// so they start working once created.
func NewPathPolicy(roots ...string) *PathPolicy {
	p := &PathPolicy{}
	for _, root := range roots {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		abs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if resolved, err := filepath.EvalSymlinks(abs); err == nil {
			abs = resolved
		}
		p.roots = append(p.roots, filepath.Clean(abs))
	}
	return p
}

// Resolve canonicalizes path and verifies containment, returning the
// real path to use for reads. A missing file reports file_not_found; a
// real path outside every root reports path_outside_allowlist.
func (p *PathPolicy) Resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", qqerr.Wrap(qqerr.CodeFileNotFound, "outbound: resolve "+path, err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", qqerr.Wrap(qqerr.CodeFileNotFound, "outbound: stat "+path, err)
	}
	for _, root := range p.roots {
		if real == root || strings.HasPrefix(real, root+string(filepath.Separator)) {
			return real, nil
		}
	}
	return "", qqerr.New(qqerr.CodePathOutsideAllowlist, "outbound: "+path)
}
