package gitinfo

import (
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"

	"github.com/zeitwork/amibuild/internal/builder/types"
)

// Image tag keys describing the source revision of a build
const (
	TagCommit = "amibuild:git-commit"
	TagBranch = "amibuild:git-branch"
)

// Info is the checked out revision of a work tree
type Info struct {
	Commit string
	Branch string // empty on a detached HEAD
}

// Read returns the revision of the repository containing dir. It returns nil
// without error when dir is not inside a git work tree.
func Read(dir string) (*Info, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve HEAD: %w", err)
	}

	info := &Info{Commit: head.Hash().String()}
	if head.Name().IsBranch() {
		info.Branch = head.Name().Short()
	}
	return info, nil
}

// Tags returns the image tags for the revision
func (i *Info) Tags() []types.Tag {
	if i == nil {
		return nil
	}
	tags := []types.Tag{{Key: TagCommit, Value: i.Commit}}
	if i.Branch != "" {
		tags = append(tags, types.Tag{Key: TagBranch, Value: i.Branch})
	}
	return tags
}
