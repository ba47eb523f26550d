package harness

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, src string) *Scenario {
	t.Helper()
	s, err := ParseScenario([]byte(src))
	require.NoError(t, err)
	return s
}

func TestRun_ObservesEveryStep(t *testing.T) {
	s := mustParse(t, `
name: observe
description: "one observation per step"
seed:
  - { id: L1, name: Tacos, age: 1h }
steps:
  - create: { name: Brunch }
  - remote: { delete: L1 }
`)
	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, result.Pass)

	require.Len(t, result.Steps, 3)
	assert.Equal(t, "start", result.Steps[0].Label)
	assert.Equal(t, `step 1: create "Brunch"`, result.Steps[1].Label)
	assert.Equal(t, "step 2: remote delete L1", result.Steps[2].Label)

	assert.Equal(t, []string{"L1"}, ids(result.Steps[0].Private.Entities))
	assert.Equal(t, []string{"L2", "L1"}, ids(result.Steps[1].Private.Entities))
	assert.Equal(t, []string{"L2"}, ids(result.Steps[2].Private.Entities))
}

func TestRun_ReportsUnmetExpectations(t *testing.T) {
	s := mustParse(t, `
name: mismatch
description: "expectations that do not hold"
seed:
  - { id: L1, name: Tacos }
steps:
  - refresh: private
    expect:
      private: [L2]
      shared: []
      notices: ["PERMISSION delete L1"]
`)
	result, err := Run(context.Background(), s)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Equal(t, "step 1: private = [L1], want [L2]", result.Errors[0])
	assert.Equal(t, "step 1: notices = [], want [PERMISSION delete L1]", result.Errors[1])
}

func TestRun_HeldOperationShowsOptimisticState(t *testing.T) {
	s := mustParse(t, `
name: held
description: "a held delete keeps the row hidden"
seed:
  - { id: L1, name: Tacos }
steps:
  - hold: delete
  - delete: L1
    expect:
      private: []
  - release: delete
    expect:
      private: []
`)
	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.NotEmpty(t, result.Steps[2].Private.Pending, "delete still pending while held")
	assert.Empty(t, result.Steps[3].Private.Pending)
}

func TestRun_ReleaseWithoutHoldFails(t *testing.T) {
	s := mustParse(t, `
name: bad_release
description: "releasing an op that is not held"
steps:
  - release: insert
`)
	_, err := Run(context.Background(), s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert is not held")
}

func TestResult_Trace(t *testing.T) {
	s := mustParse(t, `
name: trace
description: "trace format"
seed:
  - { id: L1, name: Tacos, location: Austin, entries: 3 }
steps:
  - create: { name: Brunch, category: food }
`)
	result, err := Run(context.Background(), s)
	require.NoError(t, err)

	want := strings.Join([]string{
		"scenario: trace",
		"user: u1",
		"",
		"== start",
		"private:",
		`  L1 "Tacos" @Austin entries=3`,
		"shared:",
		"  (empty)",
		"",
		`== step 1: create "Brunch"`,
		"private:",
		`  L2 "Brunch" #food entries=0`,
		`  L1 "Tacos" @Austin entries=3`,
		"shared:",
		"  (empty)",
		"",
	}, "\n")
	assert.Equal(t, want, result.Trace(s))
}
