// Package research implements the Research Adapter (spec.md §4.B): given a
// market question, it calls the research tool reachable through the
// sandbox's tool gateway and returns a ResearchBundle. Grounding is the
// teacher's internal/shards/researcher.go, generalized from "scrape and
// extract knowledge atoms from arbitrary web pages" down to "call the one
// research endpoint the sandbox hands us" — the fetch, domain-agnostic
// retry/backoff, and HTML-fallback-extraction idioms carry over unchanged.
package research

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"

	"marketsim/internal/engineerr"
	"marketsim/internal/logging"
	"marketsim/internal/retrybackoff"
	"marketsim/internal/sandbox"
)

// Bundle is the opaque research context handed to the code generator.
type Bundle struct {
	Text       string   `json:"text"`
	Highlights []string `json:"highlights,omitempty"`
	Citations  []string `json:"citations,omitempty"`
}

// Empty returns the zero-value bundle used when research is unavailable —
// grounding continues to be helpful, not required (spec.md §4.B).
func Empty() *Bundle { return &Bundle{} }

const maxAttempts = 3
const perCallTimeout = 30 * time.Second

type toolRequest struct {
	Question string `json:"question"`
}

type toolResponse struct {
	Text       string   `json:"text"`
	Highlights []string `json:"highlights,omitempty"`
	Citations  []string `json:"citations,omitempty"`
	HTML       string   `json:"html,omitempty"`
}

// Research calls the research tool through sbx's tool gateway. When every
// attempt fails with a retryable error (transport error or 5xx) it returns
// an empty (not nil) bundle and a nil error — the caller (the pipeline)
// continues without grounding rather than failing. A non-retryable failure
// (401/403, another non-200 status, an unparseable body) returns the same
// empty bundle at once without retrying.
func Research(ctx context.Context, sbx *sandbox.Sandbox, question string) (*Bundle, error) {
	log := logging.Get(logging.CategoryResearch)
	endpoint := sbx.ToolEndpoint()
	if endpoint.URL == "" {
		log.Info("no tool endpoint configured, continuing without research")
		return Empty(), nil
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			d := retrybackoff.Research.Duration(attempt - 1)
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		bundle, retryable, err := callOnce(ctx, endpoint, question)
		if err == nil {
			log.Info("research succeeded on attempt %d (%d bytes)", attempt, len(bundle.Text))
			return bundle, nil
		}
		lastErr = err
		if !retryable {
			log.Warn("research non-retryable failure: %v", err)
			return Empty(), nil
		}
		log.Warn("research attempt %d failed, will retry: %v", attempt, err)
	}

	log.Warn("research exhausted %d attempts: %v", maxAttempts, lastErr)
	return Empty(), nil
}

func callOnce(ctx context.Context, endpoint sandbox.ToolEndpoint, question string) (bundle *Bundle, retryable bool, err error) {
	callCtx, cancel := context.WithTimeout(ctx, perCallTimeout)
	defer cancel()

	payload, err := json.Marshal(toolRequest{Question: question})
	if err != nil {
		return nil, false, fmt.Errorf("research: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, false, fmt.Errorf("research: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+endpoint.Token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, true, &engineerr.ProviderUnavailable{Which: engineerr.ProviderResearch, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, false, fmt.Errorf("research: unauthorized (status %d)", resp.StatusCode)
	}
	if resp.StatusCode >= 500 {
		return nil, true, &engineerr.ProviderUnavailable{Which: engineerr.ProviderResearch, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("research: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, true, fmt.Errorf("research: read response: %w", err)
	}

	var parsed toolResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, false, fmt.Errorf("research: parse response: %w", err)
	}

	text := parsed.Text
	if text == "" && parsed.HTML != "" {
		text = extractText(parsed.HTML)
	}

	return &Bundle{Text: text, Highlights: parsed.Highlights, Citations: parsed.Citations}, false, nil
}

// extractText strips markup from an HTML fragment, grounded on the
// teacher's extractAtomsFromHTML traversal (here collapsed to plain text
// extraction since the engine treats research as an opaque bundle rather
// than a set of typed knowledge atoms).
func extractText(rawHTML string) string {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return rawHTML
	}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			trimmed := strings.TrimSpace(n.Data)
			if trimmed != "" {
				b.WriteString(trimmed)
				b.WriteString(" ")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return strings.TrimSpace(b.String())
}
