package publish

import (
	"fmt"
	"strings"
)

// maxSlugLen bounds the slug so branch names stay readable.
const maxSlugLen = 40

// Slug reduces a title to lowercase alphanumerics and single hyphens,
// truncated to a bounded length. Anything outside the safe set becomes a
// hyphen; runs collapse.
func Slug(title string) string {
	var b strings.Builder
	lastHyphen := true // suppress a leading hyphen
	for _, c := range strings.ToLower(title) {
		switch {
		case c >= 'a' && c <= 'z' || c >= '0' && c <= '9':
			b.WriteRune(c)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	s := strings.TrimRight(b.String(), "-")
	if len(s) > maxSlugLen {
		s = strings.TrimRight(s[:maxSlugLen], "-")
	}
	return s
}

// BranchName derives the deterministic branch name for an issue.
func BranchName(issueNumber int, title string) string {
	slug := Slug(title)
	if slug == "" {
		return fmt.Sprintf("autofix/issue-%d", issueNumber)
	}
	return fmt.Sprintf("autofix/issue-%d-%s", issueNumber, slug)
}
