// Package grading implements the auditor rubric: instruction parsing and
// validation, weighted score aggregation, and schedule handling.
package grading

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Requirement is one weighted line item in an auditor's rubric. A
// requirement is judged satisfied against its success criteria and
// violated against its failure criteria by the external runner.
type Requirement struct {
	ID              string   `json:"id,omitempty"`
	Title           string   `json:"title"`
	Description     string   `json:"description,omitempty"`
	Context         string   `json:"context,omitempty"`
	Weight          float64  `json:"weight"`
	SuccessCriteria []string `json:"success_criteria"`
	FailureCriteria []string `json:"failure_criteria"`
}

// Target names a document page the auditor evaluates.
type Target struct {
	DocumentObjectID string `json:"document_object_id"`
}

// Instructions is the rubric stored on an auditor. PassingScore is the
// 0-100 threshold a run's weighted score must reach to pass.
type Instructions struct {
	PassingScore float64       `json:"passing_score"`
	Requirements []Requirement `json:"requirements"`
	Targets      []Target      `json:"targets,omitempty"`
}

// Parse decodes raw instruction JSON. Empty or null input yields an empty
// rubric rather than an error so legacy rows keep loading.
func Parse(raw json.RawMessage) (Instructions, error) {
	var instructions Instructions
	if len(raw) == 0 || string(raw) == "null" {
		return instructions, nil
	}
	if err := json.Unmarshal(raw, &instructions); err != nil {
		return Instructions{}, fmt.Errorf("parse instructions: %w", err)
	}
	return instructions, nil
}

// Normalize trims requirement text and drops blank criteria rows. Editors
// tend to submit trailing empty criteria; they carry no meaning and would
// otherwise show up as empty checklist entries.
func Normalize(instructions Instructions) Instructions {
	out := instructions
	out.Requirements = make([]Requirement, 0, len(instructions.Requirements))
	for _, req := range instructions.Requirements {
		req.Title = strings.TrimSpace(req.Title)
		req.Description = strings.TrimSpace(req.Description)
		req.Context = strings.TrimSpace(req.Context)
		req.SuccessCriteria = stripBlank(req.SuccessCriteria)
		req.FailureCriteria = stripBlank(req.FailureCriteria)
		out.Requirements = append(out.Requirements, req)
	}
	return out
}

func stripBlank(criteria []string) []string {
	kept := make([]string, 0, len(criteria))
	for _, criterion := range criteria {
		if trimmed := strings.TrimSpace(criterion); trimmed != "" {
			kept = append(kept, trimmed)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}

// Validate checks a normalized rubric, naming the offending requirement
// in the error so editors can find it.
func Validate(instructions Instructions) error {
	if instructions.PassingScore < 0 || instructions.PassingScore > 100 {
		return fmt.Errorf("passing score %.1f out of range 0-100", instructions.PassingScore)
	}
	for i, req := range instructions.Requirements {
		label := req.Title
		if label == "" {
			label = fmt.Sprintf("#%d", i+1)
		}
		if req.Title == "" {
			return fmt.Errorf("requirement %s: title is required", label)
		}
		if req.Weight <= 0 {
			return fmt.Errorf("requirement %q: weight must be positive", label)
		}
		if len(req.SuccessCriteria) == 0 {
			return fmt.Errorf("requirement %q: at least one success criterion is required", label)
		}
		if len(req.FailureCriteria) == 0 {
			return fmt.Errorf("requirement %q: at least one failure criterion is required", label)
		}
	}
	for i, target := range instructions.Targets {
		if strings.TrimSpace(target.DocumentObjectID) == "" {
			return fmt.Errorf("target #%d: document id is required", i+1)
		}
	}
	return nil
}

// TotalWeight sums requirement weights.
func TotalWeight(instructions Instructions) float64 {
	var total float64
	for _, req := range instructions.Requirements {
		total += req.Weight
	}
	return total
}

// HasObjectives reports whether the rubric has anything to evaluate.
func HasObjectives(instructions Instructions) bool {
	return len(instructions.Requirements) > 0
}

// TargetsDocument reports whether the rubric names the given page.
func TargetsDocument(instructions Instructions, documentID string) bool {
	for _, target := range instructions.Targets {
		if target.DocumentObjectID == documentID {
			return true
		}
	}
	return false
}
