// Package documents owns the source document lifecycle. The status field is
// written here and nowhere else; upstream ingestion creates documents, the
// state machine moves them.
package documents

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DocumentType enumerates supported source document kinds.
type DocumentType string

const (
	TypeInvoice        DocumentType = "invoice"
	TypeReceipt        DocumentType = "receipt"
	TypeBankStatement  DocumentType = "bank_statement"
	TypeContract       DocumentType = "contract"
	TypePaymentVoucher DocumentType = "payment_voucher"
	TypeOther          DocumentType = "other"
)

// Status enumerates document lifecycle states.
type Status string

const (
	StatusNew             Status = "new"
	StatusExtracting      Status = "extracting"
	StatusExtracted       Status = "extracted"
	StatusProposing       Status = "proposing"
	StatusProposed        Status = "proposed"
	StatusPendingApproval Status = "pending_approval"
	StatusApproved        Status = "approved"
	StatusRejected        Status = "rejected"
	StatusPosted          Status = "posted"
	StatusPostingFailed   Status = "posting_failed"
)

// InFlight reports whether the document is mid-pipeline or already posted,
// the statuses whose cascade deletion requires explicit confirmation.
func (s Status) InFlight() bool {
	switch s {
	case StatusExtracting, StatusProposing, StatusPendingApproval, StatusApproved, StatusPosted:
		return true
	}
	return false
}

// Event enumerates lifecycle triggers.
type Event string

const (
	EventStartExtraction  Event = "start_extraction"
	EventExtractionDone   Event = "extraction_done"
	EventStartProposing   Event = "start_proposing"
	EventProposalReady    Event = "proposal_ready"
	EventSubmit           Event = "submit"
	EventApprove          Event = "approve"
	EventReject           Event = "reject"
	EventPost             Event = "post"
	EventPostingFailed    Event = "posting_failed"
	EventRepropose        Event = "repropose"
)

// transitions is the complete edge set of the lifecycle graph. posted is
// terminal; rejected and posting_failed leave the primary flow and can only
// re-enter it through a fresh proposal.
var transitions = map[Status]map[Event]Status{
	StatusNew: {
		EventStartExtraction: StatusExtracting,
	},
	StatusExtracting: {
		EventExtractionDone: StatusExtracted,
	},
	StatusExtracted: {
		EventStartProposing: StatusProposing,
	},
	StatusProposing: {
		EventProposalReady: StatusProposed,
	},
	StatusProposed: {
		EventSubmit: StatusPendingApproval,
	},
	StatusPendingApproval: {
		EventApprove: StatusApproved,
		EventReject:  StatusRejected,
	},
	StatusApproved: {
		EventPost:          StatusPosted,
		EventPostingFailed: StatusPostingFailed,
	},
	StatusRejected: {
		EventRepropose: StatusProposing,
	},
	StatusPostingFailed: {
		EventRepropose: StatusProposing,
	},
	StatusPosted: {},
}

func init() {
	known := map[Status]bool{
		StatusNew: true, StatusExtracting: true, StatusExtracted: true,
		StatusProposing: true, StatusProposed: true, StatusPendingApproval: true,
		StatusApproved: true, StatusRejected: true, StatusPosted: true,
		StatusPostingFailed: true,
	}
	for from, edges := range transitions {
		if !known[from] {
			panic(fmt.Sprintf("documents: transition table references unknown state %q", from))
		}
		for event, to := range edges {
			if !known[to] {
				panic(fmt.Sprintf("documents: event %q targets unknown state %q", event, to))
			}
		}
	}
	for state := range known {
		if _, ok := transitions[state]; !ok {
			panic(fmt.Sprintf("documents: state %q missing from transition table", state))
		}
	}
}

// Next resolves the target state for event from the given state.
func Next(from Status, event Event) (Status, bool) {
	edges, ok := transitions[from]
	if !ok {
		return "", false
	}
	to, ok := edges[event]
	return to, ok
}

// LeadsTo reports whether event has any edge arriving at status. Used for
// duplicate-delivery detection: a retried event whose target is already the
// current state is a no-op, not a violation.
func LeadsTo(event Event, status Status) bool {
	for _, edges := range transitions {
		if to, ok := edges[event]; ok && to == status {
			return true
		}
	}
	return false
}

// Document is a source document tracked by the pipeline.
type Document struct {
	ID        uuid.UUID
	Type      DocumentType
	Status    Status
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}
