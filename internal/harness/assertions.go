package harness

import (
	"fmt"
	"slices"
	"strings"
)

// checkExpect compares an observation with a step's expect clause and
// records every mismatch on res.
func checkExpect(res *Result, step int, exp *Expect, o Observation) {
	compare := func(what string, want, got []string) {
		if want != nil && !slices.Equal(want, got) {
			res.AddError(fmt.Sprintf("step %d: %s = [%s], want [%s]",
				step, what, strings.Join(got, " "), strings.Join(want, " ")))
		}
	}
	compare("private", exp.Private, ids(o.Private.Entities))
	compare("shared", exp.Shared, ids(o.Shared.Entities))

	notices := make([]string, len(o.Notices))
	for i, n := range o.Notices {
		notices[i] = noticeString(n)
	}
	compare("notices", exp.Notices, notices)
}
