package game

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"tradecycle/internal/economy"
	"tradecycle/internal/store"
)

func TestRejectedErrorUnwraps(t *testing.T) {
	err := fmt.Errorf("produce: %w", reject(ErrInsufficientFunds, "cost %.2f", 12.5))
	if !IsRejected(err) {
		t.Fatalf("expected rejection: %v", err)
	}
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds in chain: %v", err)
	}
	if got := err.Error(); got != "produce: insufficient funds: cost 12.50" {
		t.Fatalf("message=%q", got)
	}
}

func TestPreconditionErrors(t *testing.T) {
	tests := []error{
		ErrCycleNotFound,
		ErrMarketNotFound,
		ErrUserNotFound,
		ErrAlreadyBooted,
		preconditionf("cycle %d", 3),
		notFound(fmt.Errorf("market 5: %w", store.ErrNotFound), ErrMarketNotFound),
	}
	for _, err := range tests {
		if !errors.Is(err, ErrPrecondition) {
			t.Fatalf("expected precondition: %v", err)
		}
		if IsRejected(err) {
			t.Fatalf("precondition reported as rejection: %v", err)
		}
	}
	other := errors.New("boom")
	if got := notFound(other, ErrUserNotFound); got != other {
		t.Fatalf("non not-found errors must pass through, got %v", got)
	}
}

func TestApplyModificator(t *testing.T) {
	var p economy.Params
	demand := map[int]float64{0: 100, 1: 50}
	for _, m := range []economy.Modificator{
		{Param: "alpha", Value: 1},
		{Param: "beta", Value: 2},
		{Param: "gamma", Value: 3},
		{Param: "tau_s", Value: 4},
		{Param: "coeff_h", Value: 5},
		{Param: "coeff_k", Value: 6},
		{Param: "coeff_l", Value: 7},
		{Param: "overdraft_rate", Value: 0.5},
		{Param: "demand", Ring: 1, Value: 75},
	} {
		applyModificator(&p, demand, m)
	}
	want := economy.Params{Alpha: 1, Beta: 2, Gamma: 3, TauS: 4, CoeffH: 5, CoeffK: 6, CoeffL: 7, OverdraftRate: 0.5}
	if p != want {
		t.Fatalf("params=%+v want %+v", p, want)
	}
	if demand[0] != 100 || demand[1] != 75 {
		t.Fatalf("demand=%v", demand)
	}
}

func TestViewerForRoles(t *testing.T) {
	for _, role := range []economy.Role{economy.RoleRoot, economy.RolePlayer, economy.RoleNews, economy.RoleEditor} {
		if _, err := ViewerFor(role); err != nil {
			t.Fatalf("role %s: %v", role, err)
		}
	}
	for _, role := range []economy.Role{economy.RoleLogistics, "intern"} {
		if _, err := ViewerFor(role); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("role %s: expected ErrUnauthorized, got %v", role, err)
		}
	}
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	k := newKeyedMutex()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.lock(7)
			counter++
			unlock()
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Fatalf("counter=%d", counter)
	}
	if len(k.locks) != 0 {
		t.Fatalf("expected released entries, have %d", len(k.locks))
	}
}
