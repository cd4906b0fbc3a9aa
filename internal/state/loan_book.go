// internal/state/loan_book.go
package state

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// TokenKey identifies one pledged NFT
type TokenKey struct {
	Collection string
	TokenID    uint64
}

// LoanBook owns every loan and enforces the one-active-loan-per-token rule.
type LoanBook struct {
	loans         map[uuid.UUID]*Loan
	activeByToken map[TokenKey]uuid.UUID
}

func NewLoanBook() *LoanBook {
	return &LoanBook{
		loans:         make(map[uuid.UUID]*Loan),
		activeByToken: make(map[TokenKey]uuid.UUID),
	}
}

func (lb *LoanBook) Get(loanID uuid.UUID) (*Loan, bool) {
	l, ok := lb.loans[loanID]
	return l, ok
}

// GetActiveByToken returns the open (non-terminal) loan for a token, if any.
func (lb *LoanBook) GetActiveByToken(collection string, tokenID uint64) (*Loan, bool) {
	id, ok := lb.activeByToken[TokenKey{collection, tokenID}]
	if !ok {
		return nil, false
	}
	return lb.loans[id], true
}

// Create opens a new loan in Active state. A terminal loan on the same
// token does not block creation; an open one does.
func (lb *LoanBook) Create(loan *Loan) error {
	key := TokenKey{loan.Collection, loan.TokenID}
	if existing, ok := lb.activeByToken[key]; ok {
		return fmt.Errorf("token %s/%d already has open loan %s", loan.Collection, loan.TokenID, existing)
	}
	if !LoanStateNone.CanTransitionTo(loan.State) {
		return fmt.Errorf("new loan %s cannot start in state %s", loan.LoanID, loan.State)
	}

	lb.loans[loan.LoanID] = loan
	lb.activeByToken[key] = loan.LoanID
	return nil
}

// Transition moves a loan to the next state after validating the edge.
// Terminal transitions release the token for a future loan.
func (lb *LoanBook) Transition(loan *Loan, next LoanState) error {
	if !loan.State.CanTransitionTo(next) {
		return fmt.Errorf("loan %s: invalid transition %s → %s", loan.LoanID, loan.State, next)
	}

	loan.State = next
	loan.Version++

	if next.IsTerminal() {
		key := TokenKey{loan.Collection, loan.TokenID}
		if lb.activeByToken[key] == loan.LoanID {
			delete(lb.activeByToken, key)
		}
	}
	return nil
}

// OpenLoans returns non-terminal loans in deterministic order.
func (lb *LoanBook) OpenLoans() []*Loan {
	out := make([]*Loan, 0, len(lb.activeByToken))
	for _, id := range lb.activeByToken {
		out = append(out, lb.loans[id])
	}
	sortLoans(out)
	return out
}

// All returns every loan (terminal included) in deterministic order, for
// hashing and snapshots.
func (lb *LoanBook) All() []*Loan {
	out := make([]*Loan, 0, len(lb.loans))
	for _, l := range lb.loans {
		out = append(out, l)
	}
	sortLoans(out)
	return out
}

func sortLoans(loans []*Loan) {
	sort.Slice(loans, func(i, j int) bool {
		a, b := loans[i].LoanID, loans[j].LoanID
		for k := range a {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return false
	})
}

// Restore reinstalls a loan from a snapshot.
func (lb *LoanBook) Restore(loan *Loan) {
	lb.loans[loan.LoanID] = loan
	if !loan.State.IsTerminal() {
		lb.activeByToken[TokenKey{loan.Collection, loan.TokenID}] = loan.LoanID
	}
}

// Count returns the total number of loans tracked.
func (lb *LoanBook) Count() int {
	return len(lb.loans)
}
