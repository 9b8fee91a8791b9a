package normalize

import (
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/unicode/norm"
)

// blockSelector lists elements whose boundaries become word breaks.
const blockSelector = "p, div, br, li, tr, td, th, blockquote, pre, h1, h2, h3, h4, h5, h6, section, article"

// CleanText strips markup, decodes entities, applies NFC and collapses
// whitespace.
func CleanText(s string) string {
	if s == "" {
		return ""
	}
	if strings.ContainsAny(s, "<&") {
		s = stripHTML(s)
	}
	s = norm.NFC.String(s)
	return strings.Join(strings.Fields(s), " ")
}

func stripHTML(s string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return s
	}
	doc.Find("script, style, noscript").Remove()
	doc.Find(blockSelector).AfterHtml(" ")
	return doc.Text()
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

// TruncateEllipsis cuts s to n runes and appends "..." when it was cut.
func TruncateEllipsis(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	return strings.TrimRightFunc(Truncate(s, n), func(r rune) bool { return r == ' ' }) + "..."
}
