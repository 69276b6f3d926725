package documents

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNextFollowsPrimaryFlow(t *testing.T) {
	steps := []struct {
		from  Status
		event Event
		to    Status
	}{
		{StatusNew, EventStartExtraction, StatusExtracting},
		{StatusExtracting, EventExtractionDone, StatusExtracted},
		{StatusExtracted, EventStartProposing, StatusProposing},
		{StatusProposing, EventProposalReady, StatusProposed},
		{StatusProposed, EventSubmit, StatusPendingApproval},
		{StatusPendingApproval, EventApprove, StatusApproved},
		{StatusApproved, EventPost, StatusPosted},
	}
	for _, step := range steps {
		to, ok := Next(step.from, step.event)
		require.True(t, ok, "%s + %s should be legal", step.from, step.event)
		require.Equal(t, step.to, to)
	}
}

func TestNextRejectsIllegalEdges(t *testing.T) {
	cases := []struct {
		from  Status
		event Event
	}{
		{StatusNew, EventApprove},
		{StatusNew, EventPost},
		{StatusExtracted, EventSubmit},
		{StatusPendingApproval, EventPost},
		{StatusPosted, EventSubmit},
		{StatusPosted, EventPost},
		{StatusRejected, EventApprove},
	}
	for _, c := range cases {
		_, ok := Next(c.from, c.event)
		require.False(t, ok, "%s + %s should be illegal", c.from, c.event)
	}
}

func TestRejectedAndFailedReenterViaRepropose(t *testing.T) {
	to, ok := Next(StatusRejected, EventRepropose)
	require.True(t, ok)
	require.Equal(t, StatusProposing, to)

	to, ok = Next(StatusPostingFailed, EventRepropose)
	require.True(t, ok)
	require.Equal(t, StatusProposing, to)
}

func TestPostedIsTerminal(t *testing.T) {
	for _, event := range []Event{
		EventStartExtraction, EventExtractionDone, EventStartProposing,
		EventProposalReady, EventSubmit, EventApprove, EventReject,
		EventPost, EventPostingFailed, EventRepropose,
	} {
		_, ok := Next(StatusPosted, event)
		require.False(t, ok, "posted should reject %s", event)
	}
}

func TestLeadsTo(t *testing.T) {
	require.True(t, LeadsTo(EventApprove, StatusApproved))
	require.True(t, LeadsTo(EventRepropose, StatusProposing))
	require.True(t, LeadsTo(EventStartProposing, StatusProposing))
	require.False(t, LeadsTo(EventApprove, StatusRejected))
	require.False(t, LeadsTo(EventPost, StatusApproved))
}

func TestInFlight(t *testing.T) {
	require.True(t, StatusExtracting.InFlight())
	require.True(t, StatusPendingApproval.InFlight())
	require.True(t, StatusPosted.InFlight())
	require.False(t, StatusNew.InFlight())
	require.False(t, StatusRejected.InFlight())
	require.False(t, StatusPostingFailed.InFlight())
}
