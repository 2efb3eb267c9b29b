package rendering

import (
	"bytes"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"github.com/yuin/goldmark"
)

// ToHTML renders chapter markdown to HTML
func ToHTML(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(markdown), &buf); err != nil {
		return "", &RenderError{Message: "markdown conversion failed", Cause: err}
	}
	return buf.String(), nil
}

// PlainText strips markdown formatting and returns the readable text,
// one paragraph per line.
func PlainText(markdown string) (string, error) {
	html, err := ToHTML(markdown)
	if err != nil {
		return "", err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", &RenderError{Message: "failed to parse HTML", Cause: err}
	}
	doc.Find("script, style").Remove()

	var blocks []string
	doc.Find("h1, h2, h3, h4, h5, h6, p, li:not(:has(p)), pre").Each(func(_ int, s *goquery.Selection) {
		if text := cleanWhitespace(s.Text()); text != "" {
			blocks = append(blocks, text)
		}
	})
	if len(blocks) == 0 {
		return cleanWhitespace(doc.Text()), nil
	}
	return strings.Join(blocks, "\n"), nil
}

// WordCount counts words in prose. Han, Hiragana, Katakana and Hangul
// characters count one each; other scripts count whitespace-separated words.
func WordCount(text string) int {
	count := 0
	inWord := false
	for _, r := range text {
		switch {
		case isCJK(r):
			count++
			inWord = false
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if !inWord {
				count++
				inWord = true
			}
		case r == '\'' || r == '-':
			// apostrophes and hyphens join word parts
		default:
			inWord = false
		}
	}
	return count
}

// ChapterWordCount counts the words of chapter markdown, ignoring markup
func ChapterWordCount(markdown string) int {
	text, err := PlainText(markdown)
	if err != nil {
		return WordCount(markdown)
	}
	return WordCount(text)
}

func isCJK(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul)
}

func cleanWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
