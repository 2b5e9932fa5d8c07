package tokens

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateText_CharsDivFour(t *testing.T) {
	text := strings.Repeat("a", 4000)
	assert.Equal(t, 1000, EstimateText(text, "gpt-4"))
}

func TestEstimateText_MinimumOneToken(t *testing.T) {
	assert.Equal(t, 1, EstimateText("", "gpt-4"))
	assert.Equal(t, 1, EstimateText("hi", "gpt-4"))
}

func TestEstimateText_HardCeiling(t *testing.T) {
	huge := strings.Repeat("x", (ceiling+1000)*charsPerToken)
	assert.Equal(t, ceiling, EstimateText(huge, "gpt-4"))
}

func TestEstimateMessages_ConcatenatesAllMessages(t *testing.T) {
	msgs := []Message{
		{Role: "system", Content: strings.Repeat("a", 40)},
		{Role: "user", Content: strings.Repeat("b", 40)},
	}
	got := EstimateMessages(msgs, "gpt-4")
	assert.Greater(t, got, 0)

	single := EstimateText(strings.Repeat("a", 40), "gpt-4")
	assert.Greater(t, got, single)
}

func TestEstimateMessages_Deterministic(t *testing.T) {
	msgs := []Message{{Role: "user", Content: "hello world"}}
	assert.Equal(t, EstimateMessages(msgs, "gpt-4"), EstimateMessages(msgs, "gpt-4"))
}
