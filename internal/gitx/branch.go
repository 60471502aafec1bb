package gitx

import (
	"fmt"

	"github.com/outpost-dev/selfmod/common"
)

// maxSlugLen caps the slug portion of a branch name after the prefix.
const maxSlugLen = 60

// BranchName builds the agent's branch name for a plan title:
// <prefix>/<slug>, slug lowercase [a-z0-9-] and at most 60 chars.
func BranchName(prefix, title string) (string, error) {
	slug, err := common.Slugify(title, "change")
	if err != nil {
		return "", fmt.Errorf("branch name from %q: %w", title, err)
	}
	if len(slug) > maxSlugLen {
		slug = slug[:maxSlugLen]
		for len(slug) > 0 && slug[len(slug)-1] == '-' {
			slug = slug[:len(slug)-1]
		}
	}
	return prefix + "/" + slug, nil
}
