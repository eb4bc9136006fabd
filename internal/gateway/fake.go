package gateway

import (
	"context"
	"errors"
	"sync"
)

// Transfer records one fund movement the fake gateway was asked to make.
type Transfer struct {
	Kind      string // release, refund
	TxID      string
	Phase     int
	AccountID string
	Amount    int64
	Currency  string
}

// Fake is an in-memory Gateway for tests and STORE=memory runs. Set
// FailNext to make the next call fail, exercising rollback paths.
type Fake struct {
	mu        sync.Mutex
	Transfers []Transfer
	FailNext  bool
}

func NewFake() *Fake {
	return &Fake{}
}

func (f *Fake) Release(_ context.Context, txID string, phase int, payeeID string, amount int64, currency string) error {
	return f.record(Transfer{Kind: "release", TxID: txID, Phase: phase, AccountID: payeeID, Amount: amount, Currency: currency})
}

func (f *Fake) Refund(_ context.Context, txID string, payerID string, amount int64, currency string) error {
	return f.record(Transfer{Kind: "refund", TxID: txID, AccountID: payerID, Amount: amount, Currency: currency})
}

func (f *Fake) record(t Transfer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailNext {
		f.FailNext = false
		return errors.New("simulated gateway failure")
	}
	f.Transfers = append(f.Transfers, t)
	return nil
}

// Released sums the released amounts for a transaction.
func (f *Fake) Released(txID string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sum int64
	for _, t := range f.Transfers {
		if t.TxID == txID && t.Kind == "release" {
			sum += t.Amount
		}
	}
	return sum
}
