package harness

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// RenderTrace formats a scenario trace as text, one block per step:
//
//	scenario: activity_feed
//	[seed]
//	  feed total=3 a3 a2 a1
//	[1] insert activity a4
//	  feed total=4 a4 a3 a2 a1
//
// A step that failed with an expected error is suffixed with "-> code".
// An empty view renders as "-".
func RenderTrace(name string, trace []StepTrace) []byte {
	var buf strings.Builder
	fmt.Fprintf(&buf, "scenario: %s\n", name)
	for _, step := range trace {
		if step.Step == 0 {
			buf.WriteString("[seed]")
		} else {
			fmt.Fprintf(&buf, "[%d] %s", step.Step, step.Label)
		}
		if step.Error != "" {
			fmt.Fprintf(&buf, " -> %s", step.Error)
		}
		buf.WriteByte('\n')
		for _, v := range step.Views {
			ids := "-"
			if len(v.IDs) > 0 {
				ids = strings.Join(v.IDs, " ")
			}
			fmt.Fprintf(&buf, "  %s total=%d %s\n", v.Subscription, v.Total, ids)
		}
	}
	return []byte(buf.String())
}

// RunWithGolden executes a scenario and compares its trace against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario, opts ...Option) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario, opts...)
	if err != nil {
		return nil, err
	}
	AssertGolden(t, scenario.Name, result)
	return result, nil
}

// AssertGolden compares an existing result's trace against a golden file.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, RenderTrace(name, result.Trace))
}
