// Package placeholder implements the Placeholder Resolver (§4.9): a pure
// substitution of {{name}} tokens in a prompt with materialized file paths.
package placeholder

import (
	"regexp"
	"strings"

	"github.com/jo-hoe/jobserver/internal/common"
)

var tokenPattern = regexp.MustCompile(`\{\{\s*([^}]+?)\s*\}\}`)

// Resolve substitutes each {{name}} occurrence in prompt with the
// workspace-relative path to the matching uploaded file, and the reserved
// {{filename}} token with the space-joined list of every uploaded file's
// path. Tokens matching no file and not the reserved token are left
// untouched. Pure function of its
// arguments; safe to call more than once on the same prompt.
func Resolve(prompt string, uploadedFiles []string) string {
	if !strings.Contains(prompt, "{{") {
		return prompt
	}

	byName := make(map[string]string, len(uploadedFiles))
	allPaths := make([]string, 0, len(uploadedFiles))
	for _, name := range uploadedFiles {
		p := filesPath(name)
		byName[name] = p
		allPaths = append(allPaths, p)
	}
	joined := strings.Join(allPaths, " ")

	return tokenPattern.ReplaceAllStringFunc(prompt, func(match string) string {
		name := tokenPattern.FindStringSubmatch(match)[1]
		if name == common.ReservedPlaceholderToken {
			return joined
		}
		if p, ok := byName[name]; ok {
			return p
		}
		return match
	})
}

func filesPath(name string) string {
	return "./" + common.FilesDirName + "/" + name
}
