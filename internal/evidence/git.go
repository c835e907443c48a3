// Package evidence counts source-control commits that reference a directive.
package evidence

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

// ErrNoRepository is returned when the configured path is not inside a git
// repository.
var ErrNoRepository = errors.New("no git repository")

// Git reads commit history with go-git.
type Git struct {
	// Path is any directory inside the repository.
	Path string
	// Ref limits the walk to one branch; empty walks from HEAD.
	Ref string
}

// CountCommits returns how many commits reachable from the ref mention the
// directive. A non-empty pattern is used as a regular expression instead of
// the plain id match.
func (g Git) CountCommits(ctx context.Context, directiveID, pattern string) (int, error) {
	match, err := matcher(directiveID, pattern)
	if err != nil {
		return 0, err
	}
	r, err := git.PlainOpenWithOptions(g.Path, &git.PlainOpenOptions{
		DetectDotGit:          true,
		EnableDotGitCommonDir: true,
	})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return 0, fmt.Errorf("%w at %s", ErrNoRepository, g.Path)
		}
		return 0, fmt.Errorf("open git repo at %s: %w", g.Path, err)
	}

	from, err := g.start(r)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return 0, nil
		}
		return 0, err
	}
	iter, err := r.Log(&git.LogOptions{From: from})
	if err != nil {
		return 0, fmt.Errorf("read git log: %w", err)
	}
	defer iter.Close()

	count := 0
	err = iter.ForEach(func(c *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if match(c.Message) {
			count++
		}
		return nil
	})
	if err != nil && !errors.Is(err, storer.ErrStop) {
		return 0, err
	}
	return count, nil
}

func (g Git) start(r *git.Repository) (plumbing.Hash, error) {
	if g.Ref == "" {
		head, err := r.Head()
		if err != nil {
			return plumbing.ZeroHash, err
		}
		return head.Hash(), nil
	}
	hash, err := r.ResolveRevision(plumbing.Revision(g.Ref))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve %s: %w", g.Ref, err)
	}
	return *hash, nil
}

func matcher(directiveID, pattern string) (func(string) bool, error) {
	if pattern != "" {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid evidence pattern %q: %w", pattern, err)
		}
		return re.MatchString, nil
	}
	if directiveID == "" {
		return nil, fmt.Errorf("directive id required")
	}
	needle := strings.ToLower(directiveID)
	return func(msg string) bool {
		return strings.Contains(strings.ToLower(msg), needle)
	}, nil
}
