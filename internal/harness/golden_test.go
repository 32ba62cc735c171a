package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderTrace(t *testing.T) {
	trace := []StepTrace{
		{Step: 0, Label: "seed", Views: []ViewState{
			{Subscription: "feed", IDs: []string{"a2", "a1"}, Total: 2},
			{Subscription: "count", IDs: []string{}, Total: 2},
		}},
		{Step: 1, Label: "delete activity a2 as u1", Error: CodeDenied, Views: []ViewState{
			{Subscription: "feed", IDs: []string{"a2", "a1"}, Total: 2},
			{Subscription: "count", IDs: []string{}, Total: 2},
		}},
	}

	want := `scenario: demo
[seed]
  feed total=2 a2 a1
  count total=2 -
[1] delete activity a2 as u1 -> denied
  feed total=2 a2 a1
  count total=2 -
`
	assert.Equal(t, want, string(RenderTrace("demo", trace)))
}
