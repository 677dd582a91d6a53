// internal/models/stage.go
package models

import (
	"strings"

	"golang.org/x/text/cases"
)

// Stage is a pipeline column. The value is the display label, which is also
// what is persisted in applications.stage and pipeline_activity.
type Stage string

const (
	StageNew          Stage = "New"
	StageInReview     Stage = "In Review"
	StageRequiresDocs Stage = "Requires Docs"
	StageOffToLender  Stage = "Off to Lender"
	StageAccepted     Stage = "Accepted"
	StageDenied       Stage = "Denied"
)

// AllStages lists the stages in board order.
var AllStages = []Stage{
	StageNew,
	StageInReview,
	StageRequiresDocs,
	StageOffToLender,
	StageAccepted,
	StageDenied,
}

var stageLookup = buildStageLookup()

func buildStageLookup() map[string]Stage {
	m := make(map[string]Stage, len(AllStages))
	for _, s := range AllStages {
		m[stageKey(string(s))] = s
	}
	return m
}

// stageKey folds case and treats runs of spaces, hyphens and underscores as one separator.
func stageKey(raw string) string {
	// a Caser is stateful, so each call gets its own
	folded := cases.Fold().String(raw)
	parts := strings.FieldsFunc(folded, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_' || r == '\t'
	})
	return strings.Join(parts, "_")
}

// ParseStage normalizes a label ("Off to Lender") or slug ("off_to_lender",
// "off-to-lender") to its Stage.
func ParseStage(raw string) (Stage, bool) {
	s, ok := stageLookup[stageKey(raw)]
	return s, ok
}

// ID returns the slug form used for column ids and config keys.
func (s Stage) ID() string {
	return stageKey(string(s))
}

func (s Stage) Label() string {
	return string(s)
}

// Valid reports whether s is one of AllStages.
func (s Stage) Valid() bool {
	return s.Index() >= 0
}

// Terminal reports whether the stage closes the application.
func (s Stage) Terminal() bool {
	return s == StageAccepted || s == StageDenied
}

// Index returns the board position of s, or -1.
func (s Stage) Index() int {
	for i, st := range AllStages {
		if st == s {
			return i
		}
	}
	return -1
}
