package rendering

import (
	"fmt"
	"strings"

	"github.com/jonathan/novel-creator/internal/types"
)

// Manuscript joins the written chapters of a novel into one markdown
// document. Chapters without content are skipped. A leading heading in a
// chapter is replaced by the numbered chapter heading.
func Manuscript(title string, chapters []types.Chapter) string {
	var sb strings.Builder
	if title != "" {
		sb.WriteString("# " + title + "\n")
	}
	for _, ch := range chapters {
		if !ch.HasContent() {
			continue
		}
		sb.WriteString(fmt.Sprintf("\n## Chapter %d: %s\n\n", ch.Order, ch.Title))
		sb.WriteString(strings.TrimSpace(stripLeadingHeading(ch.Content)))
		sb.WriteString("\n")
	}
	return sb.String()
}

func stripLeadingHeading(content string) string {
	trimmed := strings.TrimLeft(content, " \t\r\n")
	if !strings.HasPrefix(trimmed, "#") {
		return content
	}
	if i := strings.IndexByte(trimmed, '\n'); i >= 0 {
		return trimmed[i+1:]
	}
	return ""
}
