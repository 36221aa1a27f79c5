package retrieval

import (
	"path"
	"strings"

	"github.com/Lokeessshhh/rag-everything/internal/domain"
)

// codeExtensions is the allow-list of file extensions eligible for the
// filename boost. Restricting the boost to these keeps a query like
// "main.go panics" from promoting unrelated prose sources that happen to
// share a token with the query.
var codeExtensions = map[string]struct{}{
	".py":    {},
	".js":    {},
	".ts":    {},
	".jsx":   {},
	".tsx":   {},
	".java":  {},
	".go":    {},
	".rs":    {},
	".c":     {},
	".cpp":   {},
	".h":     {},
	".hpp":   {},
	".cs":    {},
	".rb":    {},
	".php":   {},
	".swift": {},
	".kt":    {},
	".scala": {},
	".sh":    {},
	".sql":   {},
	".html":  {},
	".css":   {},
	".json":  {},
	".yaml":  {},
	".yml":   {},
	".toml":  {},
	".md":    {},
	".txt":   {},
}

// queryFilenames extracts tokens from the query that look like filenames
// with an allow-listed extension, lowercased.
func queryFilenames(query string) []string {
	var names []string
	for _, tok := range strings.Fields(query) {
		tok = strings.Trim(tok, `"'.,;:!?()[]{}`)
		ext := strings.ToLower(path.Ext(tok))
		if _, ok := codeExtensions[ext]; ok {
			names = append(names, strings.ToLower(tok))
		}
	}
	return names
}

// boostFilenameMatches promotes hits whose source file matches a filename
// mentioned in the query. The partition is stable: promoted hits keep their
// relative similarity order, and so do the rest.
func boostFilenameMatches(query string, hits []domain.SearchHit) []domain.SearchHit {
	names := queryFilenames(query)
	if len(names) == 0 || len(hits) == 0 {
		return hits
	}

	matches := func(h domain.SearchHit) bool {
		candidates := []string{strings.ToLower(h.Fragment.SourceName)}
		if fp := h.Fragment.FilePath(); fp != "" {
			fp = strings.ToLower(fp)
			candidates = append(candidates, fp, path.Base(fp))
		}
		for _, name := range names {
			base := path.Base(name)
			for _, c := range candidates {
				if c == name || c == base || strings.HasSuffix(c, "/"+base) {
					return true
				}
			}
		}
		return false
	}

	promoted := make([]domain.SearchHit, 0, len(hits))
	rest := make([]domain.SearchHit, 0, len(hits))
	for _, h := range hits {
		if matches(h) {
			promoted = append(promoted, h)
		} else {
			rest = append(rest, h)
		}
	}
	return append(promoted, rest...)
}
