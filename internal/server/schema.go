package server

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// executeBody is the POST /v1/execute request body.
type executeBody struct {
	ProjectID      string        `json:"projectId" jsonschema:"project to operate on"`
	Request        string        `json:"request" jsonschema:"the user's natural-language request"`
	SessionID      string        `json:"sessionId,omitempty" jsonschema:"optional conversation to continue"`
	History        []historyTurn `json:"history,omitempty"`
	Model          string        `json:"model,omitempty" jsonschema:"preferred model identifier"`
	IntentMode     string        `json:"intentMode,omitempty" jsonschema:"one of edit, explain, review, plan"`
	ActiveFilePath string        `json:"activeFilePath,omitempty"`
	ExplicitFiles  []string      `json:"explicitFiles,omitempty"`
	OpenTabs       []string      `json:"openTabs,omitempty"`
	SubagentCount  int           `json:"subagentCount,omitempty"`
	Async          bool          `json:"async,omitempty" jsonschema:"force checkpointed background execution"`
}

type historyTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// bodySchema validates request bodies before the stream opens.
type bodySchema struct {
	resolved *jsonschema.Resolved
}

func newBodySchema() (*bodySchema, error) {
	schema, err := jsonschema.For[executeBody](nil)
	if err != nil {
		return nil, fmt.Errorf("building request schema: %w", err)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolving request schema: %w", err)
	}
	return &bodySchema{resolved: resolved}, nil
}

// decode validates raw JSON against the schema, then unmarshals it.
func (s *bodySchema) decode(raw []byte) (*executeBody, error) {
	var loose map[string]any
	if err := json.Unmarshal(raw, &loose); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := s.resolved.Validate(loose); err != nil {
		return nil, err
	}

	var body executeBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, err
	}
	return &body, nil
}
