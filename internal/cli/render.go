package cli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/gosuri/uitable"

	"github.com/roach88/listsync/internal/engine"
	"github.com/roach88/listsync/internal/model"
)

// Renderer prints collections as tables.
type Renderer struct {
	W io.Writer

	// Color enables ANSI styling. Table cells are never styled so column
	// widths stay correct.
	Color bool

	// Now is used for relative activity times. Default: time.Now.
	Now func() time.Time
}

func (r *Renderer) style(attrs ...color.Attribute) *color.Color {
	c := color.New(attrs...)
	if r.Color {
		c.EnableColor()
	} else {
		c.DisableColor()
	}
	return c
}

func (r *Renderer) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// State prints one collection with its status line.
func (r *Renderer) State(st engine.State) {
	title := r.style(color.Bold, color.Underline)
	faint := r.style(color.Faint)

	_, _ = title.Fprint(r.W, st.Collection)
	_, _ = faint.Fprintf(r.W, " - %d", len(st.Entities))
	if !st.Filter.IsZero() {
		_, _ = faint.Fprintf(r.W, " [location=%q category=%q]", st.Filter.LocationText, st.Filter.Category)
	}
	if st.Loading {
		_, _ = r.style(color.FgCyan).Fprint(r.W, " loading")
	}
	if st.Err != nil {
		_, _ = r.style(color.FgRed).Fprintf(r.W, " %s (%s failed)", st.Err.Kind, st.Err.Op)
	}
	fmt.Fprintln(r.W)

	r.Entities(st.Entities)
}

// Entities prints rows as a table, or "none".
func (r *Renderer) Entities(es []model.Entity) {
	if len(es) == 0 {
		_, _ = r.style(color.Faint, color.Italic).Fprint(r.W, " none\n\n")
		return
	}

	tbl := uitable.New()
	tbl.Separator = "  "
	tbl.MaxColWidth = 40
	tbl.AddRow("ID", "NAME", "LOCATION", "CATEGORY", "ENTRIES", "ACTIVE")
	for _, e := range es {
		id := e.ID
		if e.IsTemporary() {
			id = "(pending)"
		}
		tbl.AddRow(id, e.Name, e.LocationText, e.Category, strconv.Itoa(e.EntryCount), r.ago(e.LastActivityAt))
	}
	fmt.Fprintln(r.W, tbl)
	fmt.Fprintln(r.W)
}

// Notices prints failure notifications, oldest first.
func (r *Renderer) Notices(ns []engine.Notification) {
	if len(ns) == 0 {
		return
	}
	warn := r.style(color.FgYellow)
	for _, n := range ns {
		_, _ = warn.Fprintf(r.W, "! %s %s %s: %s\n", n.Kind, n.Op, n.EntityID, n.Message)
	}
	fmt.Fprintln(r.W)
}

func (r *Renderer) ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := r.now().Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
