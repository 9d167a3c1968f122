package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// duckDuckGoSearchProvider scrapes the DuckDuckGo HTML endpoint. No API
// key required; result quality follows whatever DDG serves to plain
// browsers.
type duckDuckGoSearchProvider struct {
	client   *http.Client
	endpoint string
}

func newDuckDuckGoSearchProvider() *duckDuckGoSearchProvider {
	return &duckDuckGoSearchProvider{
		client:   &http.Client{Timeout: searchTimeout},
		endpoint: "https://html.duckduckgo.com/html/",
	}
}

func (p *duckDuckGoSearchProvider) Name() string { return "duckduckgo" }

// freshnessToDF maps the shared freshness shortcuts onto DDG's df
// parameter. Date ranges are not supported by the HTML endpoint.
var freshnessToDF = map[string]string{"pd": "d", "pw": "w", "pm": "m", "py": "y"}

func (p *duckDuckGoSearchProvider) Search(ctx context.Context, params searchParams) ([]searchResult, error) {
	q := url.Values{}
	q.Set("q", params.Query)
	if df, ok := freshnessToDF[params.Freshness]; ok {
		q.Set("df", df)
	}
	if params.Country != "" && params.SearchLang != "" {
		q.Set("kl", strings.ToLower(params.Country)+"-"+strings.ToLower(params.SearchLang))
	}

	req, err := http.NewRequestWithContext(ctx, "GET", p.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", searchUserAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return extractDDGResults(string(body), params.Count), nil
}

var (
	ddgLinkRe    = regexp.MustCompile(`<a[^>]*class="[^"]*result__a[^"]*"[^>]*href="([^"]+)"[^>]*>([\s\S]*?)</a>`)
	ddgSnippetRe = regexp.MustCompile(`<a class="result__snippet[^"]*".*?>([\s\S]*?)</a>`)
	htmlTagRe    = regexp.MustCompile(`<[^>]+>`)
)

func extractDDGResults(page string, count int) []searchResult {
	linkMatches := ddgLinkRe.FindAllStringSubmatch(page, count+5)
	if len(linkMatches) == 0 {
		return nil
	}

	snippetMatches := ddgSnippetRe.FindAllStringSubmatch(page, count+5)

	var results []searchResult
	for i := 0; i < len(linkMatches) && i < count; i++ {
		title := strings.TrimSpace(htmlTagRe.ReplaceAllString(linkMatches[i][2], ""))

		desc := ""
		if i < len(snippetMatches) {
			desc = strings.TrimSpace(htmlTagRe.ReplaceAllString(snippetMatches[i][1], ""))
		}

		results = append(results, searchResult{
			Title:       title,
			URL:         unwrapDDGRedirect(linkMatches[i][1]),
			Description: desc,
		})
	}

	return results
}

// unwrapDDGRedirect extracts the destination from DDG's redirect links,
// which carry the real URL in a uddg= parameter.
func unwrapDDGRedirect(rawURL string) string {
	if !strings.Contains(rawURL, "uddg=") {
		return rawURL
	}
	u, err := url.QueryUnescape(rawURL)
	if err != nil {
		return rawURL
	}
	idx := strings.Index(u, "uddg=")
	if idx == -1 {
		return rawURL
	}
	extracted := u[idx+5:]
	if ampIdx := strings.Index(extracted, "&"); ampIdx != -1 {
		extracted = extracted[:ampIdx]
	}
	return extracted
}
