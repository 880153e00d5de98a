package upstream

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Page is one normalized page of API results. The provider returns either a
// bare JSON array or a {results, total_count, has_more} envelope depending on
// the endpoint; NormalizePage folds both into this shape.
type Page struct {
	Records    []json.RawMessage
	TotalCount int
	HasMore    bool
	// HasMoreSet is true when the envelope carried an explicit has_more
	// signal; when false, callers fall back to the full-page heuristic.
	HasMoreSet bool
}

type pageEnvelope struct {
	Results    []json.RawMessage `json:"results"`
	TotalCount int               `json:"total_count"`
	HasMore    *bool             `json:"has_more"`
}

// NormalizePage parses a response body into a Page, accepting both the bare
// array and the results-envelope shapes defensively.
func NormalizePage(body []byte) (*Page, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return &Page{}, nil
	}

	if trimmed[0] == '[' {
		var records []json.RawMessage
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, fmt.Errorf("parse array response: %w", err)
		}
		return &Page{Records: records, TotalCount: len(records)}, nil
	}

	var env pageEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("parse envelope response: %w", err)
	}
	page := &Page{
		Records:    env.Results,
		TotalCount: env.TotalCount,
	}
	if env.HasMore != nil {
		page.HasMore = *env.HasMore
		page.HasMoreSet = true
	}
	if page.TotalCount == 0 {
		page.TotalCount = len(page.Records)
	}
	return page, nil
}
