package apify

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/anatolykoptev/go_reels/internal/engine"
)

// ScrapeOptions bounds a single source scrape.
type ScrapeOptions struct {
	Limit        int // result-count ceiling
	LookbackDays int // hashtag flows only; 0 = provider default
}

// Scrape runs the actor for src and returns the dataset items in provider order.
// Hashtag datasets are flattened from their topPosts/latestPosts arrays.
func (c *Client) Scrape(ctx context.Context, src engine.Source, opts ScrapeOptions) ([]engine.RawPost, error) {
	value := CleanSourceValue(src.Type, src.Value)
	if value == "" {
		return nil, fmt.Errorf("%w: empty source value", ErrScrapeJobFailed)
	}
	input := c.buildInput(src.Type, value, opts)

	engine.IncrScrapeJobs()
	slog.Info("apify: starting run",
		slog.String("actor", c.actor),
		slog.String("source_type", string(src.Type)),
		slog.String("source", value),
		slog.Int("limit", opts.Limit),
	)

	run, err := c.startRun(ctx, input)
	if err != nil {
		engine.IncrScrapeErrors()
		return nil, fmt.Errorf("%w: %v", ErrScrapeJobFailed, err)
	}

	run, err = c.waitRun(ctx, run.ID)
	if err != nil {
		engine.IncrScrapeErrors()
		return nil, err
	}

	items, err := c.datasetItems(ctx, run.DefaultDatasetID)
	if err != nil {
		engine.IncrScrapeErrors()
		return nil, fmt.Errorf("%w: %v", ErrScrapeJobFailed, err)
	}

	if src.Type == engine.SourceHashtag {
		items = flattenHashtagItems(items)
	}
	slog.Info("apify: run finished",
		slog.String("run", run.ID),
		slog.String("source", value),
		slog.Int("items", len(items)),
	)
	return items, nil
}

// buildInput returns the actor input for a username or hashtag scrape.
func (c *Client) buildInput(t engine.SourceType, value string, opts ScrapeOptions) map[string]any {
	input := map[string]any{
		"resultsLimit": opts.Limit,
	}
	if len(c.proxy) > 0 {
		input["proxy"] = map[string]any{
			"useApifyProxy":    true,
			"apifyProxyGroups": c.proxy,
		}
	}
	if t == engine.SourceHashtag {
		input["search"] = "#" + value
		input["searchType"] = "hashtag"
		input["searchLimit"] = 250
		input["resultsType"] = "posts"
		if opts.LookbackDays > 0 {
			input["onlyPostsNewerThan"] = fmt.Sprintf("%d days", opts.LookbackDays)
		}
		return input
	}
	input["username"] = []string{value}
	input["resultsType"] = "posts"
	return input
}

// CleanSourceValue reduces "#tag", tag explore URLs and "@user" to the bare identifier.
func CleanSourceValue(t engine.SourceType, value string) string {
	value = strings.TrimSpace(value)
	if t == engine.SourceHashtag {
		if strings.Contains(value, "/explore/tags/") {
			if u, err := url.Parse(value); err == nil {
				parts := strings.Split(strings.Trim(u.Path, "/"), "/")
				if len(parts) >= 3 && parts[1] == "tags" {
					return parts[2]
				}
			}
		}
		return strings.TrimPrefix(value, "#")
	}
	if strings.Contains(value, "instagram.com/") {
		if u, err := url.Parse(value); err == nil {
			parts := strings.Split(strings.Trim(u.Path, "/"), "/")
			if len(parts) > 0 && parts[0] != "" {
				return parts[0]
			}
		}
	}
	return strings.TrimPrefix(value, "@")
}

// flattenHashtagItems expands hashtag summary items into their posts,
// top posts first then latest. Items without post arrays pass through.
func flattenHashtagItems(items []engine.RawPost) []engine.RawPost {
	out := make([]engine.RawPost, 0, len(items))
	for _, item := range items {
		nested := false
		for _, key := range []string{"topPosts", "latestPosts"} {
			arr, ok := item[key].([]any)
			if !ok {
				continue
			}
			nested = true
			for _, v := range arr {
				if m, ok := v.(map[string]any); ok {
					out = append(out, engine.RawPost(m))
				}
			}
		}
		if !nested {
			out = append(out, item)
		}
	}
	return out
}
