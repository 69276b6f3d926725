// Package ledger turns approved proposals into immutable balanced ledger
// rows. Entries are never updated or deleted; corrections happen only by
// inserting reversing entries.
package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/ledgerline/internal/proposals"
)

// Entry is one immutable ledger row touching a single account.
type Entry struct {
	ID            uuid.UUID
	GroupID       uuid.UUID
	JournalNumber string
	AccountCode   string
	DebitAmount   float64
	CreditAmount  float64
	PostedAt      time.Time
	ReversalOf    *uuid.UUID
}

// Group is the posting unit: all entries committed for one proposal (or one
// reversal) under one journal number. The unique proposal constraint makes
// double-posting impossible under concurrent retries.
type Group struct {
	ID            uuid.UUID
	DocumentID    uuid.UUID
	ProposalID    *uuid.UUID
	JournalNumber string
	PostedAt      time.Time
	ReversalOf    *uuid.UUID
}

// JournalNumber formats the JV-YYYYMMDD-NNNN scheme from the per-day
// sequence.
func JournalNumber(day time.Time, seq int64) string {
	return fmt.Sprintf("JV-%s-%04d", day.Format("20060102"), seq)
}

// expandLines maps proposal lines onto ledger rows: a debit row and a credit
// row for each side a line names, all sharing the group's journal number.
func expandLines(group Group, lines []proposals.EntryLine) []Entry {
	entries := make([]Entry, 0, len(lines)*2)
	for _, line := range lines {
		if line.DebitAccount != "" {
			entries = append(entries, Entry{
				ID:            uuid.New(),
				GroupID:       group.ID,
				JournalNumber: group.JournalNumber,
				AccountCode:   line.DebitAccount,
				DebitAmount:   line.Amount,
				PostedAt:      group.PostedAt,
			})
		}
		if line.CreditAccount != "" {
			entries = append(entries, Entry{
				ID:            uuid.New(),
				GroupID:       group.ID,
				JournalNumber: group.JournalNumber,
				AccountCode:   line.CreditAccount,
				CreditAmount:  line.Amount,
				PostedAt:      group.PostedAt,
			})
		}
	}
	return entries
}

// reverseEntries builds the reversing rows for originals: debit and credit
// swapped, each tagged with the entry it negates. Originals stay untouched.
func reverseEntries(group Group, originals []Entry) []Entry {
	entries := make([]Entry, 0, len(originals))
	for _, original := range originals {
		id := original.ID
		entries = append(entries, Entry{
			ID:            uuid.New(),
			GroupID:       group.ID,
			JournalNumber: group.JournalNumber,
			AccountCode:   original.AccountCode,
			DebitAmount:   original.CreditAmount,
			CreditAmount:  original.DebitAmount,
			PostedAt:      group.PostedAt,
			ReversalOf:    &id,
		})
	}
	return entries
}

// BalanceByAccount nets debit minus credit per account across entries.
func BalanceByAccount(entries []Entry) map[string]float64 {
	balances := make(map[string]float64)
	for _, entry := range entries {
		balances[entry.AccountCode] += entry.DebitAmount - entry.CreditAmount
	}
	return balances
}
