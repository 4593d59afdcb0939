package builtin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"otto/internal/toolregistry"
)

var blankLines = regexp.MustCompile(`\n{3,}`)

// NewWebFetch retrieves a URL and returns its text. HTML responses are
// reduced to their visible text; everything else passes through raw, capped
// at the configured byte limit.
func NewWebFetch(cfg Config) toolregistry.Tool {
	client := &http.Client{
		Timeout: 30 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("stopped after 10 redirects")
			}
			return nil
		},
	}

	return toolregistry.Func{
		Def: toolregistry.Definition{
			Name:        "web_fetch",
			Description: "Fetch a URL and return its text content.",
			ReadOnly:    true,
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{
						"type":    "string",
						"pattern": "^https?://",
					},
				},
				"required":             []any{"url"},
				"additionalProperties": false,
			},
		},
		Fn: func(ctx context.Context, args map[string]any) (*toolregistry.Result, error) {
			url := args["url"].(string)
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return nil, err
			}
			req.Header.Set("User-Agent", "otto/1.0")

			resp, err := client.Do(req)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 400 {
				return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
			}

			raw, err := io.ReadAll(io.LimitReader(resp.Body, cfg.MaxFileBytes))
			if err != nil {
				return nil, err
			}

			content := string(raw)
			contentType := resp.Header.Get("Content-Type")
			if strings.Contains(contentType, "text/html") {
				content = htmlText(content)
			}
			return &toolregistry.Result{
				Content: content,
				Metadata: map[string]any{
					"url":          url,
					"status":       resp.StatusCode,
					"content_type": contentType,
				},
			}, nil
		},
	}
}

// htmlText strips markup, scripts and styles down to readable text.
func htmlText(markup string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return markup
	}
	doc.Find("script, style, noscript").Remove()
	text := doc.Find("body").Text()
	if strings.TrimSpace(text) == "" {
		text = doc.Text()
	}

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	return strings.TrimSpace(blankLines.ReplaceAllString(strings.Join(lines, "\n"), "\n\n"))
}
