package enrichment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

const (
	// DefaultInstagramBaseURL is the public profile host.
	DefaultInstagramBaseURL = "https://www.instagram.com"
	// DefaultUserAgent is sent so the profile page is served as to a browser.
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

	maxPageBytes = 4 << 20
)

var (
	// ErrProfileNotFound is returned when the profile page answers 404.
	ErrProfileNotFound = errors.New("instagram profile not found")
	// ErrEmptyHandle is returned when no handle is given.
	ErrEmptyHandle = errors.New("empty instagram handle")
)

var (
	followersRe = regexp.MustCompile(`([\d.,]+[KkMm]?)\s+Followers`)
	followingRe = regexp.MustCompile(`([\d.,]+[KkMm]?)\s+Following`)
	postsRe     = regexp.MustCompile(`([\d.,]+[KkMm]?)\s+Posts`)
	hashtagRe   = regexp.MustCompile(`#[\p{L}\p{N}_]+`)
)

// InstagramScraper reads the public metadata of an Instagram profile page.
type InstagramScraper struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string
}

// ScraperOption configures an InstagramScraper.
type ScraperOption func(*InstagramScraper)

// WithScraperHTTPClient replaces the HTTP client.
func WithScraperHTTPClient(c *http.Client) ScraperOption {
	return func(s *InstagramScraper) { s.httpClient = c }
}

// WithScraperBaseURL points the scraper at another host, used by tests.
func WithScraperBaseURL(u string) ScraperOption {
	return func(s *InstagramScraper) { s.baseURL = strings.TrimRight(u, "/") }
}

// WithUserAgent overrides DefaultUserAgent.
func WithUserAgent(ua string) ScraperOption {
	return func(s *InstagramScraper) { s.userAgent = ua }
}

// NewInstagramScraper creates a scraper.
func NewInstagramScraper(opts ...ScraperOption) *InstagramScraper {
	s := &InstagramScraper{
		httpClient: &http.Client{Timeout: DefaultScrapeTimeout},
		baseURL:    DefaultInstagramBaseURL,
		userAgent:  DefaultUserAgent,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ Scraper = (*InstagramScraper)(nil)

// Scrape fetches https://www.instagram.com/<handle>/ and extracts what the
// page exposes without logging in.
func (s *InstagramScraper) Scrape(ctx context.Context, handle string) (*models.Profile, error) {
	handle = strings.TrimPrefix(strings.TrimSpace(handle), "@")
	if handle == "" {
		return nil, ErrEmptyHandle
	}
	pageURL := fmt.Sprintf("%s/%s/", s.baseURL, url.PathEscape(handle))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept-Language", "pt-BR,pt;q=0.9,en;q=0.8")

	start := time.Now()
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch profile: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: @%s", ErrProfileNotFound, handle)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("fetch profile: unexpected status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("parse profile page: %w", err)
	}
	p := parseProfile(doc, handle)
	slog.Debug("InstagramScraper.Scrape: profile parsed", "handle", handle, "empty", p.IsEmpty(), "duration", time.Since(start))
	return p, nil
}

func metaContent(doc *goquery.Document, property string) string {
	v, _ := doc.Find(fmt.Sprintf(`meta[property=%q]`, property)).First().Attr("content")
	return strings.TrimSpace(v)
}

// parseProfile reads the Open Graph tags and the visible page text.
func parseProfile(doc *goquery.Document, handle string) *models.Profile {
	p := &models.Profile{Username: strings.ToLower(handle)}

	if title := metaContent(doc, "og:title"); title != "" {
		name, _, _ := strings.Cut(title, " (")
		p.FullName = strings.TrimSpace(name)
	}

	if desc := metaContent(doc, "og:description"); desc != "" {
		if m := followersRe.FindStringSubmatch(desc); m != nil {
			p.Followers = m[1]
		}
		if m := followingRe.FindStringSubmatch(desc); m != nil {
			p.Following = m[1]
		}
		if m := postsRe.FindStringSubmatch(desc); m != nil {
			p.Posts = m[1]
		}
		if _, bio, ok := strings.Cut(desc, `: "`); ok {
			p.Bio = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(bio), `"`))
		}
	}

	p.ProfileImageURL = metaContent(doc, "og:image")

	doc.Find(`a[href^="http"]`).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, _ := sel.Attr("href")
		if href == "" || strings.Contains(href, "instagram.com") {
			return true
		}
		p.ExternalLink = href
		return false
	})

	seen := make(map[string]bool)
	for _, tag := range hashtagRe.FindAllString(p.Bio, -1) {
		tag = strings.ToLower(tag)
		if !seen[tag] {
			seen[tag] = true
			p.Hashtags = append(p.Hashtags, tag)
		}
	}

	if loc := doc.Find(`span:contains("📍")`).First(); loc.Length() > 0 {
		p.Location = strings.TrimSpace(strings.ReplaceAll(loc.Text(), "📍", ""))
	} else if _, after, ok := strings.Cut(p.Bio, "📍"); ok {
		line, _, _ := strings.Cut(after, "\n")
		p.Location = strings.TrimSpace(line)
	}
	return p
}
