// Package policy evaluates journal proposals against the posting rules.
// Evaluation is pure: identical inputs always yield identical verdicts, and
// every applicable rule runs so a single pass surfaces every defect.
package policy

import (
	"fmt"
	"math"
)

// balanceTolerance is the fixed absolute imbalance allowed between debit and
// credit totals, absorbing sub-unit rounding only. It does not scale with
// transaction magnitude.
const balanceTolerance = 1.0

// RiskLevel classifies a proposal for approval gating.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// EntryLine is one debit/credit pairing of a journal proposal. A side with an
// empty account code contributes nothing to that side's total.
type EntryLine struct {
	DebitAccount  string
	CreditAccount string
	Amount        float64
	Description   string
}

// Proposal is the engine's view of a journal proposal.
type Proposal struct {
	Lines      []EntryLine
	Confidence float64
}

// TotalDebit sums the amounts of lines naming a debit account.
func (p Proposal) TotalDebit() float64 {
	var total float64
	for _, line := range p.Lines {
		if line.DebitAccount != "" {
			total += line.Amount
		}
	}
	return total
}

// TotalCredit sums the amounts of lines naming a credit account.
func (p Proposal) TotalCredit() float64 {
	var total float64
	for _, line := range p.Lines {
		if line.CreditAccount != "" {
			total += line.Amount
		}
	}
	return total
}

// IsBalanced reports whether totals agree within the fixed tolerance.
func (p Proposal) IsBalanced() bool {
	return math.Abs(p.TotalDebit()-p.TotalCredit()) < balanceTolerance
}

// Actor identifies the evaluation subject for the authorization rule.
type Actor struct {
	ID   string
	Role string
}

// AccountSet answers registry membership without I/O, keeping Evaluate pure.
// Callers snapshot the chart of accounts into one before invoking the engine.
type AccountSet interface {
	Contains(code string) bool
}

// CodeSet is the map-backed AccountSet.
type CodeSet map[string]struct{}

// Contains reports membership of code.
func (s CodeSet) Contains(code string) bool {
	_, ok := s[code]
	return ok
}

// NewCodeSet builds a CodeSet from codes.
func NewCodeSet(codes []string) CodeSet {
	set := make(CodeSet, len(codes))
	for _, code := range codes {
		set[code] = struct{}{}
	}
	return set
}

// Verdict is the engine's complete answer for one proposal.
type Verdict struct {
	Allow          bool      `json:"allow"`
	RiskLevel      RiskLevel `json:"risk_level"`
	Issues         []string  `json:"issues"`
	UserCanApprove bool      `json:"user_can_approve"`
}

// Engine combines the individual rule functions into one evaluation pass.
type Engine struct {
	store *Store
}

// NewEngine constructs the engine around a configuration store.
func NewEngine(store *Store) *Engine {
	return &Engine{store: store}
}

type rule func(cfg Config, proposal Proposal, accounts AccountSet) []string

// Evaluate runs every rule, accumulates all issues, classifies risk, and
// resolves approval rights. It never short-circuits: callers receive the
// full defect list in one verdict.
func (e *Engine) Evaluate(proposal Proposal, accounts AccountSet, actor Actor) Verdict {
	cfg := e.store.Current()

	rules := []rule{
		accountValidityRule,
		balanceRule,
		amountSignRule,
	}

	issues := []string{}
	for _, r := range rules {
		issues = append(issues, r(cfg, proposal, accounts)...)
	}

	risk, riskIssues := classifyRisk(cfg, proposal)
	issues = append(issues, riskIssues...)

	allow := len(issues) == 0 && risk != RiskHigh

	return Verdict{
		Allow:          allow,
		RiskLevel:      risk,
		Issues:         issues,
		UserCanApprove: canApprove(cfg, actor),
	}
}

func accountValidityRule(cfg Config, proposal Proposal, accounts AccountSet) []string {
	var issues []string
	for i, line := range proposal.Lines {
		if line.DebitAccount == "" && line.CreditAccount == "" {
			issues = append(issues, fmt.Sprintf("line %d names no account on either side", i+1))
			continue
		}
		if line.DebitAccount != "" && !accounts.Contains(line.DebitAccount) {
			issues = append(issues, fmt.Sprintf("debit account %q is not in the chart of accounts (line %d)", line.DebitAccount, i+1))
		}
		if line.CreditAccount != "" && !accounts.Contains(line.CreditAccount) {
			issues = append(issues, fmt.Sprintf("credit account %q is not in the chart of accounts (line %d)", line.CreditAccount, i+1))
		}
	}
	return issues
}

func balanceRule(cfg Config, proposal Proposal, accounts AccountSet) []string {
	if proposal.IsBalanced() {
		return nil
	}
	return []string{fmt.Sprintf("entries not balanced: total debit %.2f, total credit %.2f", proposal.TotalDebit(), proposal.TotalCredit())}
}

func amountSignRule(cfg Config, proposal Proposal, accounts AccountSet) []string {
	var issues []string
	for i, line := range proposal.Lines {
		if line.Amount < 0 {
			issues = append(issues, fmt.Sprintf("line %d has negative amount %.2f", i+1, line.Amount))
		}
	}
	return issues
}

func classifyRisk(cfg Config, proposal Proposal) (RiskLevel, []string) {
	sensitive := cfg.sensitiveSet()
	var issues []string
	high := false
	for i, line := range proposal.Lines {
		if line.Amount > cfg.LargeTransactionThreshold {
			high = true
			issues = append(issues, fmt.Sprintf("Transaction exceeds threshold: line %d amount %.2f is above %.2f", i+1, line.Amount, cfg.LargeTransactionThreshold))
		}
		if _, ok := sensitive[line.DebitAccount]; ok && line.DebitAccount != "" {
			high = true
			issues = append(issues, fmt.Sprintf("line %d touches sensitive account %q", i+1, line.DebitAccount))
		}
		if _, ok := sensitive[line.CreditAccount]; ok && line.CreditAccount != "" {
			high = true
			issues = append(issues, fmt.Sprintf("line %d touches sensitive account %q", i+1, line.CreditAccount))
		}
	}
	if high {
		return RiskHigh, issues
	}
	if proposal.Confidence < cfg.LowConfidenceThreshold {
		return RiskMedium, nil
	}
	return RiskLow, nil
}

func canApprove(cfg Config, actor Actor) bool {
	if _, ok := cfg.approverIDSet()[actor.ID]; ok && actor.ID != "" {
		return true
	}
	if _, ok := cfg.approverRoleSet()[actor.Role]; ok && actor.Role != "" {
		return true
	}
	return false
}
