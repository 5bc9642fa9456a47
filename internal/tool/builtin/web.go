package builtin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/triage-ai/langford/internal/tool"
)

const defaultFetchLimit = 8 << 10

var webFetchContract = tool.Contract{
	Name:        "web.fetch",
	Description: "Fetch a web page or API over HTTP(S) and return its status and the first bytes of the body.",
	InputSchema: map[string]any{
		"type":     "object",
		"required": []any{"url"},
		"properties": map[string]any{
			"url": map[string]any{"type": "string", "pattern": `^https?://`},
		},
		"additionalProperties": false,
	},
	OutputSchema: map[string]any{
		"type":     "object",
		"required": []any{"status", "body", "truncated"},
	},
	SideEffect: tool.ReadOnly,
}

type fetcher struct {
	client *http.Client
	limit  int
}

func (f *fetcher) fetch(ctx context.Context, args map[string]any) (map[string]any, error) {
	url, _ := args["url"].(string)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	req.Header.Set("User-Agent", "langford/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(f.limit)+1))
	if err != nil {
		return nil, err
	}
	truncated := len(body) > f.limit
	if truncated {
		body = trimPartialRune(body[:f.limit])
	}
	return map[string]any{
		"status":       resp.StatusCode,
		"content_type": resp.Header.Get("Content-Type"),
		"body":         strings.ToValidUTF8(string(body), "\uFFFD"),
		"truncated":    truncated,
	}, nil
}

// trimPartialRune drops a multi-byte rune cut off at the end of b.
func trimPartialRune(b []byte) []byte {
	for i := 1; i < utf8.UTFMax && i <= len(b); i++ {
		if !utf8.RuneStart(b[len(b)-i]) {
			continue
		}
		if !utf8.FullRune(b[len(b)-i:]) {
			return b[:len(b)-i]
		}
		break
	}
	return b
}
