package world

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sample = `
initial_balance: 1000
initial_stock_price: 100
params:
  alpha: 5
  beta: 2
  gamma: 0.1
  tau_s: 600
  coeff_h: 20
  coeff_k: 30
  coeff_l: 1
  overdraft_rate: 0.05
demand:
  0: 300
  1: 150
users:
  - {id: 1, name: admin, role: root}
  - {id: 10, name: north, role: player}
  - {id: 90, name: ring0 haulage, role: logistics, ring: 0}
markets:
  - {id: 1, name: Core, ring: 0, home_user: 10, buy: 4, sell: 9}
  - {id: 2, name: Rim, ring: 1, buy: 3, sell: 7}
connections:
  - [1, 2]
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "world.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	w, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if w.Params.TauS != 600 || w.Params.OverdraftRate != 0.05 {
		t.Fatalf("params not decoded: %+v", w.Params)
	}
	if w.Demand[1] != 150 || len(w.Markets) != 2 || w.Markets[0].HomeUser != 10 {
		t.Fatalf("world not decoded: %+v", w)
	}
	if edges := w.Edges(); len(edges) != 1 || edges[0].A != 1 || edges[0].B != 2 {
		t.Fatalf("edges=%+v", edges)
	}
}

func TestParseRejectsInvalidWorlds(t *testing.T) {
	tests := []struct {
		name    string
		replace [2]string
		want    string
	}{
		{"self loop", [2]string{"- [1, 2]", "- [2, 2]"}, "self loop"},
		{"unknown market", [2]string{"- [1, 2]", "- [1, 7]"}, "unknown market"},
		{"bad ring", [2]string{"ring: 1, buy: 3", "ring: 4, buy: 3"}, "ring must be"},
		{"home not player", [2]string{"home_user: 10", "home_user: 1"}, "not a player"},
		{"bad role", [2]string{"role: root", "role: wizard"}, "unknown role"},
		{"missing demand", [2]string{"  1: 150\n", ""}, "no demand"},
		{"zero coeff_k", [2]string{"coeff_k: 30", "coeff_k: 0"}, "coeff_k must be"},
	}
	for _, tc := range tests {
		_, err := Parse([]byte(strings.Replace(sample, tc.replace[0], tc.replace[1], 1)))
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected %q error, got %v", tc.name, tc.want, err)
		}
	}
}

func TestShippedSampleWorldIsValid(t *testing.T) {
	w, err := Load(filepath.Join("..", "..", "configs", "world.yaml"))
	if err != nil {
		t.Fatalf("load sample: %v", err)
	}
	if len(w.Markets) != 5 || len(w.Edges()) != 4 {
		t.Fatalf("sample world markets=%d edges=%d", len(w.Markets), len(w.Edges()))
	}
}
