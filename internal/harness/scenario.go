package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/listsync/internal/model"
	"github.com/roach88/listsync/internal/remote/remotetest"
)

// Scenario is a scripted session of one user against a scriptable remote
// store.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario demonstrates.
	Description string `yaml:"description"`

	// User is the user the engine runs for. Defaults to "u1".
	User string `yaml:"user,omitempty"`

	// Seed lists rows that exist remotely before the engine starts.
	Seed []Row `yaml:"seed,omitempty"`

	// Steps run in order. The engine state is observed after each one.
	Steps []Step `yaml:"steps"`
}

// Row describes a remote row.
type Row struct {
	ID       string `yaml:"id"`
	Owner    string `yaml:"owner,omitempty"`
	Name     string `yaml:"name"`
	Location string `yaml:"location,omitempty"`
	Category string `yaml:"category,omitempty"`
	Entries  int    `yaml:"entries,omitempty"`

	// Age places the row's last activity this long before the scenario
	// starts, e.g. "90m".
	Age string `yaml:"age,omitempty"`

	// Members maps user ids to roles.
	Members map[string]model.Role `yaml:"members,omitempty"`
}

// Step performs exactly one action.
type Step struct {
	// Engine actions.
	Create  *Row    `yaml:"create,omitempty"`
	Delete  string  `yaml:"delete,omitempty"`
	Update  *Update `yaml:"update,omitempty"`
	Filter  *Filter `yaml:"filter,omitempty"`
	Refresh string  `yaml:"refresh,omitempty"`

	// Remote side effects, as another client would cause them.
	Remote *Remote `yaml:"remote,omitempty"`

	// Fault injection.
	Hold        string `yaml:"hold,omitempty"`
	Release     string `yaml:"release,omitempty"`
	Fail        *Fail  `yaml:"fail,omitempty"`
	NoopDeletes int    `yaml:"noop_deletes,omitempty"`
	Disconnect  bool   `yaml:"disconnect,omitempty"`

	// Advance moves the wall clock, e.g. "9s".
	Advance string `yaml:"advance,omitempty"`

	// Expect is checked against the state observed after the step.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Update patches a row through the engine.
type Update struct {
	ID       string  `yaml:"id"`
	Name     *string `yaml:"name,omitempty"`
	Location *string `yaml:"location,omitempty"`
	Category *string `yaml:"category,omitempty"`
}

// Filter sets the filter of one collection.
type Filter struct {
	Collection model.Collection `yaml:"collection"`
	Location   string           `yaml:"location,omitempty"`
	Category   string           `yaml:"category,omitempty"`
}

// Remote changes the store behind the engine's back. Exactly one field is
// set. Insert, Delete and Bump publish change events; Seed does not, which
// models an event the client missed.
type Remote struct {
	Insert *Row   `yaml:"insert,omitempty"`
	Seed   *Row   `yaml:"seed,omitempty"`
	Delete string `yaml:"delete,omitempty"`
	Bump   string `yaml:"bump,omitempty"`
}

// Fail queues an error for the next call of an operation.
type Fail struct {
	Op    remotetest.Op `yaml:"op"`
	Error string        `yaml:"error"`
}

// Expect lists what must be rendered after a step. Nil lists are not
// checked; an empty list asserts emptiness.
type Expect struct {
	Private []string `yaml:"private,omitempty"`
	Shared  []string `yaml:"shared,omitempty"`

	// Notices are "KIND op id" strings, oldest first.
	Notices []string `yaml:"notices,omitempty"`
}

// Error names accepted by Fail.
const (
	FailPermission  = "permission"
	FailUnavailable = "unavailable"
	FailNotFound    = "not_found"
)

var knownOps = map[remotetest.Op]bool{
	remotetest.OpFetch:  true,
	remotetest.OpCounts: true,
	remotetest.OpCount:  true,
	remotetest.OpGet:    true,
	remotetest.OpInsert: true,
	remotetest.OpDelete: true,
	remotetest.OpUpdate: true,
	remotetest.OpLeave:  true,
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed, contains
// unknown fields (typos), or fails validation.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a scenario.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if s.User == "" {
		s.User = "u1"
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if s.Description == "" {
		return errors.New("description is required")
	}
	if len(s.Steps) == 0 {
		return errors.New("steps list is required and must be non-empty")
	}

	seen := make(map[string]bool, len(s.Seed))
	for i, r := range s.Seed {
		if r.ID == "" {
			return fmt.Errorf("seed[%d]: id is required", i)
		}
		if model.IsTemporaryID(r.ID) {
			return fmt.Errorf("seed[%d]: id %q uses the temporary prefix", i, r.ID)
		}
		if seen[r.ID] {
			return fmt.Errorf("seed[%d]: duplicate id %q", i, r.ID)
		}
		seen[r.ID] = true
		if err := validateRow(r); err != nil {
			return fmt.Errorf("seed[%d]: %w", i, err)
		}
	}

	for i, st := range s.Steps {
		if err := validateStep(st); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	return nil
}

func validateRow(r Row) error {
	if r.Name == "" {
		return errors.New("name is required")
	}
	if r.Age != "" {
		if _, err := time.ParseDuration(r.Age); err != nil {
			return fmt.Errorf("age: %w", err)
		}
	}
	for user, role := range r.Members {
		if role != model.RoleEditor && role != model.RoleViewer {
			return fmt.Errorf("member %s: role must be editor or viewer, got %q", user, role)
		}
	}
	return nil
}

func validateStep(st Step) error {
	actions := 0
	count := func(set bool) {
		if set {
			actions++
		}
	}
	count(st.Create != nil)
	count(st.Delete != "")
	count(st.Update != nil)
	count(st.Filter != nil)
	count(st.Refresh != "")
	count(st.Remote != nil)
	count(st.Hold != "")
	count(st.Release != "")
	count(st.Fail != nil)
	count(st.NoopDeletes != 0)
	count(st.Disconnect)
	count(st.Advance != "")
	if actions != 1 {
		return fmt.Errorf("exactly one action is required, got %d", actions)
	}

	switch {
	case st.Create != nil:
		return validateRow(*st.Create)
	case st.Update != nil:
		if st.Update.ID == "" {
			return errors.New("update: id is required")
		}
	case st.Filter != nil:
		if !st.Filter.Collection.Valid() {
			return fmt.Errorf("filter: unknown collection %q", st.Filter.Collection)
		}
	case st.Refresh != "":
		if !model.Collection(st.Refresh).Valid() {
			return fmt.Errorf("refresh: unknown collection %q", st.Refresh)
		}
	case st.Remote != nil:
		return validateRemote(*st.Remote)
	case st.Hold != "":
		if !knownOps[remotetest.Op(st.Hold)] {
			return fmt.Errorf("hold: unknown op %q", st.Hold)
		}
	case st.Release != "":
		if !knownOps[remotetest.Op(st.Release)] {
			return fmt.Errorf("release: unknown op %q", st.Release)
		}
	case st.Fail != nil:
		if !knownOps[st.Fail.Op] {
			return fmt.Errorf("fail: unknown op %q", st.Fail.Op)
		}
		if _, ok := failures[st.Fail.Error]; !ok {
			return fmt.Errorf("fail: unknown error %q", st.Fail.Error)
		}
	case st.NoopDeletes < 0:
		return errors.New("noop_deletes must be positive")
	case st.Advance != "":
		if d, err := time.ParseDuration(st.Advance); err != nil || d <= 0 {
			return fmt.Errorf("advance: invalid duration %q", st.Advance)
		}
	}
	return nil
}

func validateRemote(r Remote) error {
	set := 0
	for _, ok := range []bool{r.Insert != nil, r.Seed != nil, r.Delete != "", r.Bump != ""} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("remote: exactly one of insert, seed, delete or bump is required, got %d", set)
	}
	row := r.Insert
	if row == nil {
		row = r.Seed
	}
	if row == nil {
		return nil
	}
	if row.ID == "" {
		return errors.New("remote: id is required")
	}
	if model.IsTemporaryID(row.ID) {
		return fmt.Errorf("remote: id %q uses the temporary prefix", row.ID)
	}
	return validateRow(*row)
}
