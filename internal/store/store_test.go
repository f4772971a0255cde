package store

import (
	"fmt"
	"testing"
)

func TestFilterWhere(t *testing.T) {
	dollar := func(n int) string { return fmt.Sprintf("$%d", n) }
	question := func(int) string { return "?" }

	tests := []struct {
		f     Filter
		bind  func(int) string
		want  string
		nargs int
	}{
		{Filter{}, dollar, "", 0},
		{Filter{Cycle: 3}, dollar, " WHERE cycle = $1", 1},
		{Filter{UpToCycle: 4, User: 7, Market: 2}, dollar, " WHERE cycle <= $1 AND user_id = $2 AND market = $3", 3},
		{Filter{Cycle: 1, Market: 9}, question, " WHERE cycle = ? AND market = ?", 2},
	}
	for _, tc := range tests {
		got, args := tc.f.Where(tc.bind)
		if got != tc.want || len(args) != tc.nargs {
			t.Fatalf("filter %+v: got %q %v", tc.f, got, args)
		}
	}
}
