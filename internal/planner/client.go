// Package planner consumes the external planning service through its
// request/response contract. How commands are interpreted is the planner's
// business; only the wire shape is validated here.
package planner

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/poer2023/CHANGE-sub002/internal/model"
	"github.com/xeipuuv/gojsonschema"
)

// Planner turns a command over a scope into an ordered plan.
type Planner interface {
	Plan(ctx context.Context, req Request) (model.Plan, error)
}

//go:embed schema.json
var responseSchemaJSON string

// Client is the HTTP planner client. The caller bounds the call with a
// context deadline; the planner is network-bound and expected to be slow.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a planner client for the given base URL.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// Plan posts the planning request and decodes the validated response.
func (c *Client) Plan(ctx context.Context, req Request) (model.Plan, error) {
	if err := req.Validate(); err != nil {
		return model.Plan{}, fmt.Errorf("invalid plan request: %w", err)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return model.Plan{}, fmt.Errorf("marshal plan request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/plan", bytes.NewReader(body))
	if err != nil {
		return model.Plan{}, fmt.Errorf("build plan request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return model.Plan{}, fmt.Errorf("call planner: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.Plan{}, fmt.Errorf("read planner response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return model.Plan{}, fmt.Errorf("planner returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := validateResponse(data); err != nil {
		return model.Plan{}, err
	}
	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return model.Plan{}, fmt.Errorf("parse planner response: %w", err)
	}
	if err := out.Plan.Validate(); err != nil {
		return model.Plan{}, fmt.Errorf("planner returned invalid plan: %w", err)
	}
	return out.Plan, nil
}

func validateResponse(data []byte) error {
	schemaLoader := gojsonschema.NewStringLoader(responseSchemaJSON)
	documentLoader := gojsonschema.NewBytesLoader(data)
	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("validate planner response: %w", err)
	}
	if result.Valid() {
		return nil
	}
	errs := make([]string, 0, len(result.Errors()))
	for _, schemaErr := range result.Errors() {
		errs = append(errs, schemaErr.String())
	}
	sort.Strings(errs)
	return fmt.Errorf("planner response failed schema validation: %s", strings.Join(errs, "; "))
}
