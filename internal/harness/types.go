package harness

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/listsync/internal/engine"
	"github.com/roach88/listsync/internal/model"
)

// Observation is what the render layer would show after a step.
type Observation struct {
	// Label describes the step, e.g. `create "Brunch"`.
	Label string

	Private engine.State
	Shared  engine.State
	Notices []engine.Notification
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every expect clause matched.
	Pass bool

	// Steps holds one observation for the start and one per step.
	Steps []Observation

	// Errors contains expectation failures. Empty if Pass is true.
	Errors []string
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{Pass: true}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Trace renders the observations as text, one block per step. The format
// is stable so it can be compared against golden files.
func (r *Result) Trace(s *Scenario) string {
	var b strings.Builder
	fmt.Fprintf(&b, "scenario: %s\n", s.Name)
	fmt.Fprintf(&b, "user: %s\n", s.User)
	for _, o := range r.Steps {
		b.WriteString("\n")
		writeObservation(&b, o)
	}
	return b.String()
}

func writeObservation(b *strings.Builder, o Observation) {
	fmt.Fprintf(b, "== %s\n", o.Label)
	writeState(b, o.Private)
	writeState(b, o.Shared)
	if len(o.Notices) > 0 {
		b.WriteString("notices:\n")
		for _, n := range o.Notices {
			fmt.Fprintf(b, "  %s\n", noticeString(n))
		}
	}
}

func writeState(b *strings.Builder, st engine.State) {
	b.WriteString(string(st.Collection))
	if !st.Filter.IsZero() {
		fmt.Fprintf(b, " filter=%q/%q", st.Filter.LocationText, st.Filter.Category)
	}
	if st.Loading {
		b.WriteString(" loading")
	}
	if st.Err != nil {
		fmt.Fprintf(b, " error=%s", st.Err.Kind)
	}
	b.WriteString(":\n")
	if len(st.Entities) == 0 {
		b.WriteString("  (empty)\n")
		return
	}
	for _, e := range st.Entities {
		fmt.Fprintf(b, "  %s\n", entityString(e))
	}
}

func entityString(e model.Entity) string {
	var b strings.Builder
	b.WriteString(e.ID)
	b.WriteString(" ")
	b.WriteString(strconv.Quote(e.Name))
	if e.LocationText != "" {
		b.WriteString(" @" + e.LocationText)
	}
	if e.Category != "" {
		b.WriteString(" #" + e.Category)
	}
	fmt.Fprintf(&b, " entries=%d", e.EntryCount)
	if e.IsTemporary() {
		b.WriteString(" pending")
	}
	return b.String()
}

func noticeString(n engine.Notification) string {
	return fmt.Sprintf("%s %s %s", n.Kind, n.Op, n.EntityID)
}

func ids(es []model.Entity) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.ID
	}
	return out
}
