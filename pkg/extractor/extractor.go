// Package extractor splits a fetched page into file candidates and
// same-host page links.
package extractor

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/markusmobius/go-trafilatura"

	"github.com/amosWeiskopf/fileharvest/internal/models"
	"github.com/amosWeiskopf/fileharvest/pkg/utils"
)

// Keyword scopes.
const (
	ScopePage    = "page"    // whole document text
	ScopeContent = "content" // main content as extracted by trafilatura
)

// Options configures an Extractor.
type Options struct {
	FileTypes    []string
	Keywords     []string
	KeywordScope string
}

// Extractor handles link classification for fetched HTML.
type Extractor struct {
	fileTypes []string
	keywords  []*regexp.Regexp
	scope     string
}

// Anchor is one <a href> resolved against the page.
type Anchor struct {
	URL  *url.URL
	Text string
}

// Page is a parsed HTML document.
type Page struct {
	URL     *url.URL
	Anchors []Anchor
	Text    string
}

// New compiles the keyword patterns case-insensitively.
func New(opts Options) (*Extractor, error) {
	e := &Extractor{scope: opts.KeywordScope}
	if e.scope == "" {
		e.scope = ScopePage
	}
	for _, ft := range opts.FileTypes {
		ft = strings.ToLower(strings.TrimSpace(ft))
		if ft != "" {
			e.fileTypes = append(e.fileTypes, ft)
		}
	}
	for _, kw := range opts.Keywords {
		re, err := regexp.Compile("(?i)" + kw)
		if err != nil {
			return nil, fmt.Errorf("compile keyword %q: %w", kw, err)
		}
		e.keywords = append(e.keywords, re)
	}
	return e, nil
}

// Parse reads an HTML body fetched from pageURL. Anchors with a missing or
// empty href, pure in-page anchors and non-http(s) targets are dropped.
func (e *Extractor) Parse(body []byte, pageURL string) (*Page, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	page := &Page{URL: base}
	if href, ok := doc.Find("base[href]").Attr("href"); ok {
		if b, ok := utils.ResolveURL(base, href); ok && utils.IsHTTP(b) {
			base = b
		}
	}

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		u, ok := utils.ResolveURL(base, href)
		if !ok || !utils.IsHTTP(u) {
			return
		}
		page.Anchors = append(page.Anchors, Anchor{
			URL:  u,
			Text: strings.Join(strings.Fields(s.Text()), " "),
		})
	})

	if len(e.keywords) > 0 {
		page.Text = e.pageText(doc, body)
	}
	return page, nil
}

func (e *Extractor) pageText(doc *goquery.Document, body []byte) string {
	if e.scope == ScopeContent {
		result, err := trafilatura.Extract(bytes.NewReader(body), trafilatura.Options{})
		if err == nil && result != nil && result.ContentText != "" {
			return result.ContentText
		}
	}
	doc.Find("script, style, noscript").Remove()
	return strings.Join(strings.Fields(doc.Text()), " ")
}

// FileTypeOf returns the first configured token contained in rawURL,
// compared case-insensitively, or "".
func (e *Extractor) FileTypeOf(rawURL string) string {
	lower := strings.ToLower(rawURL)
	for _, ft := range e.fileTypes {
		if strings.Contains(lower, ft) {
			return ft
		}
	}
	return ""
}

// MatchesKeywords reports whether any keyword occurs in text. With no
// keywords configured everything matches.
func (e *Extractor) MatchesKeywords(text string) bool {
	if len(e.keywords) == 0 {
		return true
	}
	for _, re := range e.keywords {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// ExtractFileLinks returns anchors whose URL carries a configured file-type
// token and whose anchor text or page text matches a keyword. The host of
// the link does not matter.
func (e *Extractor) ExtractFileLinks(page *Page) []models.FileCandidate {
	var out []models.FileCandidate
	seen := make(map[string]bool)
	pageMatch := e.MatchesKeywords(page.Text)

	for _, a := range page.Anchors {
		abs := a.URL.String()
		ft := e.FileTypeOf(abs)
		if ft == "" || seen[abs] {
			continue
		}
		if !pageMatch && !e.MatchesKeywords(a.Text) {
			continue
		}
		seen[abs] = true
		out = append(out, models.FileCandidate{URL: abs, FileType: ft, AnchorText: a.Text})
	}
	return out
}

// ExtractPageLinks returns navigable links on seedHost, leaving out the
// URLs ExtractFileLinks picks as file candidates.
func (e *Extractor) ExtractPageLinks(page *Page, seedHost string) []string {
	seedHost = strings.ToLower(seedHost)
	var out []string
	seen := make(map[string]bool)
	for _, cand := range e.ExtractFileLinks(page) {
		seen[cand.URL] = true
	}

	for _, a := range page.Anchors {
		if strings.ToLower(a.URL.Host) != seedHost {
			continue
		}
		abs := a.URL.String()
		if seen[abs] {
			continue
		}
		seen[abs] = true
		out = append(out, abs)
	}
	return out
}

// IsWebpageMIME reports whether a Content-Type header describes a page
// worth parsing. A missing header is given the benefit of the doubt.
func IsWebpageMIME(contentType string) bool {
	mimeType := strings.TrimSpace(strings.Split(strings.ToLower(contentType), ";")[0])
	if mimeType == "" {
		return true
	}
	for _, mime := range webpageMIMEs {
		if mime == mimeType {
			return true
		}
	}
	return false
}

var webpageMIMEs = []string{"text/html", "application/xhtml+xml", "application/xhtml", "text/xml", "application/xml"}
