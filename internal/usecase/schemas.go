package usecase

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"pm-agent/internal/domain"
	"pm-agent/internal/llm"
)

var meetingAnalysisSchema = llm.Schema{
	Name: "meeting_analysis",
	Definition: json.RawMessage(`{
		"type": "object",
		"properties": {
			"summary": {"type": "string", "description": "Minutes of the meeting"},
			"action_items": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"title": {"type": "string"},
						"assignee": {"type": "string"},
						"priority": {"type": "string", "enum": ["Low", "Medium", "High", "Urgent"]},
						"due_date": {"type": ["string", "null"]}
					},
					"required": ["title", "assignee", "priority", "due_date"],
					"additionalProperties": false
				}
			}
		},
		"required": ["summary", "action_items"],
		"additionalProperties": false
	}`),
}

var reflectionSchema = llm.Schema{
	Name: "meeting_reflection",
	Definition: json.RawMessage(`{
		"type": "object",
		"properties": {
			"critique": {"type": "string"},
			"decision": {"type": "string", "enum": ["accept", "revise"]}
		},
		"required": ["critique", "decision"],
		"additionalProperties": false
	}`),
}

var routeSchema = llm.Schema{
	Name: "route_decision",
	Definition: json.RawMessage(`{
		"type": "object",
		"properties": {
			"route": {"type": "string", "enum": ["RAG", "TOOL_CALL", "DIRECT"]}
		},
		"required": ["route"],
		"additionalProperties": false
	}`),
}

var gradeSchema = llm.Schema{
	Name: "document_grade",
	Definition: json.RawMessage(`{
		"type": "object",
		"properties": {
			"decision": {"type": "string", "enum": ["ANSWER", "QUERY_REWRITER"]},
			"critique": {"type": "string"}
		},
		"required": ["decision", "critique"],
		"additionalProperties": false
	}`),
}

// meetingAnalysis is the output of the analyze and refine stages.
type meetingAnalysis struct {
	Summary     string              `json:"summary"`
	ActionItems []domain.ActionItem `json:"action_items"`
}

func (m *meetingAnalysis) Validate() error {
	if strings.TrimSpace(m.Summary) == "" {
		return errors.New("summary is empty")
	}
	for i, it := range m.ActionItems {
		if strings.TrimSpace(it.Title) == "" {
			return fmt.Errorf("action item %d has no title", i)
		}
		if !it.Priority.Valid() {
			return fmt.Errorf("action item %d has invalid priority %q", i, it.Priority)
		}
	}
	return nil
}

type reflection struct {
	Critique string `json:"critique"`
	Decision string `json:"decision"`
}

func (r *reflection) Validate() error {
	if r.Decision != DecisionAccept && r.Decision != DecisionRevise {
		return fmt.Errorf("decision %q is not accept or revise", r.Decision)
	}
	return nil
}

type routeDecision struct {
	Route string `json:"route"`
}

func (r *routeDecision) Validate() error {
	switch r.Route {
	case RouteRAG, RouteToolCall, RouteDirect:
		return nil
	}
	return fmt.Errorf("route %q is not RAG, TOOL_CALL or DIRECT", r.Route)
}

type grade struct {
	Decision string `json:"decision"`
	Critique string `json:"critique"`
}

func (g *grade) Validate() error {
	if g.Decision != GradeAnswer && g.Decision != GradeQueryRewriter {
		return fmt.Errorf("decision %q is not ANSWER or QUERY_REWRITER", g.Decision)
	}
	return nil
}
