package retrieval

import (
	"fmt"
	"strings"

	"github.com/Lokeessshhh/rag-everything/internal/domain"
)

// BuildContext renders ranked results into the prompt context block: one
// labeled section per fragment, best first. The label tells the LLM where a
// fragment came from so it can cite sources.
func BuildContext(results []domain.RankedResult) string {
	if len(results) == 0 {
		return ""
	}

	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(label(r.Fragment))
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(r.Fragment.Text))
	}
	return b.String()
}

func label(f domain.Fragment) string {
	switch f.SourceType {
	case domain.SourcePDF:
		if page, ok := f.Metadata[domain.MetaPageNumber]; ok {
			return fmt.Sprintf("[PDF: %s, page %v]", f.SourceName, page)
		}
		return fmt.Sprintf("[PDF: %s]", f.SourceName)
	case domain.SourceCSV:
		if row, ok := f.Metadata[domain.MetaRowIndex]; ok {
			return fmt.Sprintf("[Spreadsheet: %s, row %v]", f.SourceName, row)
		}
		return fmt.Sprintf("[Spreadsheet: %s]", f.SourceName)
	case domain.SourceCode, domain.SourceGitHub:
		if fp := f.FilePath(); fp != "" {
			return fmt.Sprintf("[Code: %s]", fp)
		}
		return fmt.Sprintf("[Code: %s]", f.SourceName)
	case domain.SourceChat:
		return fmt.Sprintf("[Conversation: %s]", f.SourceName)
	case domain.SourceYouTube:
		if url, ok := f.Metadata[domain.MetaVideoURL]; ok {
			return fmt.Sprintf("[Video transcript: %s (%v)]", f.SourceName, url)
		}
		return fmt.Sprintf("[Video transcript: %s]", f.SourceName)
	case domain.SourceWebsite:
		return fmt.Sprintf("[Web page: %s]", f.SourceName)
	case domain.SourceImage:
		return fmt.Sprintf("[Image description: %s]", f.SourceName)
	case domain.SourceVoice:
		return fmt.Sprintf("[Voice note: %s]", f.SourceName)
	default:
		return fmt.Sprintf("[Document: %s]", f.SourceName)
	}
}
