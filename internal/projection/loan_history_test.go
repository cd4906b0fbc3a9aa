package projection

import (
	"testing"

	"github.com/google/uuid"
)

func TestActivityLogRecent(t *testing.T) {
	al := NewActivityLog(4)
	loanA := uuid.New()
	loanB := uuid.New()

	for i := int64(1); i <= 6; i++ {
		loan := loanA
		if i%2 == 0 {
			loan = loanB
		}
		al.Add(ActivityEntry{Sequence: i, LoanID: loan, EventType: "Repay"})
	}

	// Capacity 4 means sequences 1 and 2 were overwritten.
	recent := al.Recent(10)
	if len(recent) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(recent))
	}
	if recent[0].Sequence != 6 || recent[3].Sequence != 3 {
		t.Errorf("order: got %d..%d, want 6..3", recent[0].Sequence, recent[3].Sequence)
	}

	limited := al.Recent(2)
	if len(limited) != 2 || limited[0].Sequence != 6 || limited[1].Sequence != 5 {
		t.Errorf("limit: got %+v", limited)
	}
}

func TestActivityLogByLoan(t *testing.T) {
	al := NewActivityLog(8)
	loanA := uuid.New()
	loanB := uuid.New()

	al.Add(ActivityEntry{Sequence: 1, LoanID: loanA, EventType: "Borrow"})
	al.Add(ActivityEntry{Sequence: 2, LoanID: loanB, EventType: "Borrow"})
	al.Add(ActivityEntry{Sequence: 3, LoanID: loanA, EventType: "AuctionBid"})

	got := al.ByLoan(loanA, 10)
	if len(got) != 2 {
		t.Fatalf("expected 2 entries for loan A, got %d", len(got))
	}
	if got[0].EventType != "AuctionBid" || got[1].EventType != "Borrow" {
		t.Errorf("order: got %s then %s", got[0].EventType, got[1].EventType)
	}

	if got := al.ByLoan(uuid.New(), 10); len(got) != 0 {
		t.Errorf("unknown loan: expected empty, got %d", len(got))
	}
}

func TestActivityLogPartialRing(t *testing.T) {
	al := NewActivityLog(16)
	al.Add(ActivityEntry{Sequence: 1, LoanID: uuid.New()})

	got := al.Recent(10)
	if len(got) != 1 || got[0].Sequence != 1 {
		t.Errorf("partial ring: got %+v", got)
	}
}
