// Package linkpreview extracts OpenGraph metadata for links posted in chat.
package linkpreview

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"
)

const (
	// DefaultTimeout caps one fetch; previews arrive after the message.
	DefaultTimeout = 4 * time.Second
	// maxBody bounds how much of a page is read; only <head> matters.
	maxBody      = 256 * 1024
	maxRedirects = 3
)

var urlPattern = regexp.MustCompile(`https?://[^\s<>"]+`)

// FirstURL returns the first http(s) URL in text, or "".
func FirstURL(text string) string {
	return urlPattern.FindString(text)
}

// Preview is the metadata of one page.
type Preview struct {
	URL         string
	Title       string
	Description string
	Image       string
	SiteName    string
}

// Empty reports whether nothing beyond the URL was found.
func (p Preview) Empty() bool {
	return p.Title == "" && p.Description == "" && p.Image == "" && p.SiteName == ""
}

// Fetcher retrieves previews over HTTP.
type Fetcher struct {
	client    *http.Client
	userAgent string
}

// NewFetcher returns a fetcher with a per-request timeout.
func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Fetcher{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		userAgent: "driftchat-linkpreview/1.0",
	}
}

// Fetch downloads rawURL and parses its OpenGraph tags. Non-HTML responses
// yield a preview carrying only the URL.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Preview, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Preview{}, err
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := f.client.Do(req)
	if err != nil {
		return Preview{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return Preview{}, fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}
	ct := resp.Header.Get("Content-Type")
	if !strings.Contains(ct, "text/html") && !strings.Contains(ct, "application/xhtml") {
		return Preview{URL: rawURL}, nil
	}
	return Parse(rawURL, io.LimitReader(resp.Body, maxBody)), nil
}

// Parse reads HTML from r up to <body> and collects og:* properties, the
// description meta tag and the <title> as fallbacks.
func Parse(rawURL string, r io.Reader) Preview {
	p := Preview{URL: rawURL}
	z := html.NewTokenizer(r)
	var (
		inTitle bool
		title   strings.Builder
	)
	finish := func() Preview {
		if p.Title == "" {
			p.Title = strings.TrimSpace(title.String())
		}
		return p
	}

	for {
		switch z.Next() {
		case html.ErrorToken:
			return finish()
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			switch string(name) {
			case "title":
				inTitle = true
			case "body":
				return finish()
			case "meta":
				if hasAttr {
					applyMeta(z, &p)
				}
			}
		case html.TextToken:
			if inTitle {
				title.Write(z.Text())
			}
		case html.EndTagToken:
			if name, _ := z.TagName(); string(name) == "title" {
				inTitle = false
			}
		}
	}
}

func applyMeta(z *html.Tokenizer, p *Preview) {
	var property, name, content string
	for more := true; more; {
		var key, val []byte
		key, val, more = z.TagAttr()
		switch string(key) {
		case "property":
			property = string(val)
		case "name":
			name = string(val)
		case "content":
			content = string(val)
		}
	}
	if content == "" {
		return
	}
	switch property {
	case "og:title":
		p.Title = content
	case "og:description":
		p.Description = content
	case "og:image":
		p.Image = content
	case "og:site_name":
		p.SiteName = content
	}
	if name == "description" && p.Description == "" {
		p.Description = content
	}
}
