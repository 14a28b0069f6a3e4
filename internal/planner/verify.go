package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/poer2023/CHANGE-sub002/internal/document"
)

type lookupResponse struct {
	References []document.Reference `json:"references"`
}

// Lookup fetches verified references from the planner service, making the
// client usable as the engine's reference verifier. The call blocks on the
// network and honors the context deadline.
func (c *Client) Lookup(ctx context.Context, query string, count int) ([]document.Reference, error) {
	q := url.Values{}
	q.Set("query", query)
	q.Set("count", strconv.Itoa(count))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/references?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build lookup request: %w", err)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call reference lookup: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read lookup response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("reference lookup returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	var out lookupResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse lookup response: %w", err)
	}
	return out.References, nil
}
