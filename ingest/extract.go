package ingest

import (
	"net/url"
	"regexp"
	"strings"
)

// linkPattern matches http/https URLs only; other schemes are ignored.
var linkPattern = regexp.MustCompile(`https?://[^\s<>"']+`)

// addressPattern is a best-effort match for street addresses, e.g.
// "1600 Pennsylvania Avenue, Washington, DC 20500". Misses are silent.
var addressPattern = regexp.MustCompile(
	`\b\d{1,5}\s+(?:[A-Z][A-Za-z.]*\s?)+(?:Street|St|Avenue|Ave|Road|Rd|Boulevard|Blvd|Lane|Ln|Drive|Dr|Court|Ct|Place|Pl|Square|Sq|Way)\b\.?(?:,\s*[A-Z][A-Za-z]+(?:\s[A-Z][A-Za-z]+)*)*(?:,?\s*[A-Z]{2}\s+\d{5})?`)

// ExtractPreviewURLs scans a message body for link-preview candidates:
// http(s) URLs verbatim, and postal addresses rendered as a maps query
// URL. Order follows appearance in the body.
func ExtractPreviewURLs(body string) []string {
	var out []string

	for _, m := range linkPattern.FindAllString(body, -1) {
		out = append(out, strings.TrimRight(m, ".,;:!?)"))
	}

	for _, m := range addressPattern.FindAllString(body, -1) {
		q := url.QueryEscape(strings.Join(strings.Fields(m), " "))
		out = append(out, "http://maps.apple.com/?q="+q)
	}

	return out
}
