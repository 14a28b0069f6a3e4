package planner

import (
	"fmt"
	"strings"

	"github.com/poer2023/CHANGE-sub002/internal/model"
)

// Request is the planning request sent to the external planner.
type Request struct {
	Command    model.AgentCommand `json:"command"`
	SnapshotID string             `json:"snapshot_id,omitempty"`
}

// Validate checks that the request can be planned at all.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Command.ID) == "" {
		return fmt.Errorf("command id is required")
	}
	if strings.TrimSpace(r.Command.Text) == "" {
		return fmt.Errorf("command text is required")
	}
	switch r.Command.Scope.Kind {
	case model.ScopeDocument, model.ScopeChapter, model.ScopeSection, model.ScopeSelection:
	default:
		return fmt.Errorf("unsupported scope kind %q", r.Command.Scope.Kind)
	}
	return nil
}

// Response is the planner's reply.
type Response struct {
	Plan model.Plan `json:"plan"`
}
