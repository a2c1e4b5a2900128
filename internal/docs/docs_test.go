package docs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleMilestone = `# Add pagination to the listing endpoint

Some context paragraph about why this milestone exists.

## Acceptance Criteria

- Returns 42 when the query param ` + "`answer=true`" + ` is set
- Response body includes a ` + "`nextCursor`" + ` field when more pages exist
- Existing callers without the new query param see unchanged behavior

## Notes

Nothing else matters for extraction.
`

func TestParseMilestoneExtractsTitleAndCriteria(t *testing.T) {
	m, err := ParseMilestone([]byte(sampleMilestone))
	require.NoError(t, err)

	require.Equal(t, "Add pagination to the listing endpoint", m.Title)
	require.Len(t, m.AcceptanceCriteria, 3)
	require.Contains(t, m.AcceptanceCriteria[0], "answer=true")
	require.Contains(t, m.AcceptanceCriteria[1], "nextCursor")
}

func TestParseMilestoneWithNoCriteriaHeadingReturnsEmpty(t *testing.T) {
	m, err := ParseMilestone([]byte("# Title only\n\nNo structured sections here.\n"))
	require.NoError(t, err)
	require.Equal(t, "Title only", m.Title)
	require.Empty(t, m.AcceptanceCriteria)
}
