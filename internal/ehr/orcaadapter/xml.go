package orcaadapter

import (
	"regexp"
	"strings"
	"sync"
)

// ORCA output is not always well-formed, so values are pulled out with
// regular expressions instead of a strict XML decoder.

var tagPatterns sync.Map // tag -> *regexp.Regexp

func tagPattern(tag string) *regexp.Regexp {
	if re, ok := tagPatterns.Load(tag); ok {
		return re.(*regexp.Regexp)
	}
	q := regexp.QuoteMeta(tag)
	re := regexp.MustCompile(`<` + q + `(?:\s[^>]*)?>([\s\S]*?)</` + q + `\s*>`)
	actual, _ := tagPatterns.LoadOrStore(tag, re)
	return actual.(*regexp.Regexp)
}

// extractTag returns the unescaped, trimmed text of the first <tag> element,
// or "" when there is none.
func extractTag(xml, tag string) string {
	m := tagPattern(tag).FindStringSubmatch(xml)
	if m == nil {
		return ""
	}
	return xmlUnescape(strings.TrimSpace(m[1]))
}

// extractBlocks returns the raw inner XML of every <tag> element.
func extractBlocks(xml, tag string) []string {
	matches := tagPattern(tag).FindAllStringSubmatch(xml, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

// extractAll returns the text of every non-empty <tag> element.
func extractAll(xml, tag string) []string {
	var out []string
	for _, b := range extractBlocks(xml, tag) {
		if v := xmlUnescape(strings.TrimSpace(b)); v != "" {
			out = append(out, v)
		}
	}
	return out
}

var (
	xmlEscaper   = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;", "'", "&apos;")
	xmlUnescaper = strings.NewReplacer("&lt;", "<", "&gt;", ">", "&quot;", `"`, "&apos;", "'", "&#39;", "'", "&amp;", "&")
)

func xmlEscape(s string) string { return xmlEscaper.Replace(s) }

func xmlUnescape(s string) string { return xmlUnescaper.Replace(s) }

// element renders <tag type="string">value</tag>, escaping value. Empty
// values are omitted.
func element(b *strings.Builder, tag, value string) {
	if value == "" {
		return
	}
	b.WriteString("<" + tag + ` type="string">`)
	b.WriteString(xmlEscape(value))
	b.WriteString("</" + tag + ">")
}
