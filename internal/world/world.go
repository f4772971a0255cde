package world

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"tradecycle/internal/economy"
)

type World struct {
	InitialBalance    float64         `yaml:"initial_balance"`
	InitialStockPrice float64         `yaml:"initial_stock_price"`
	Params            economy.Params  `yaml:"params"`
	Demand            map[int]float64 `yaml:"demand"`
	Users             []User          `yaml:"users"`
	Markets           []Market        `yaml:"markets"`
	Connections       [][2]int64      `yaml:"connections"`
}

type User struct {
	ID   int64        `yaml:"id"`
	Name string       `yaml:"name"`
	Role economy.Role `yaml:"role"`
	Ring int          `yaml:"ring"`
}

type Market struct {
	ID       int64   `yaml:"id"`
	Name     string  `yaml:"name"`
	Ring     int     `yaml:"ring"`
	HomeUser int64   `yaml:"home_user"`
	Buy      float64 `yaml:"buy"`
	Sell     float64 `yaml:"sell"`
}

func Load(path string) (World, error) {
	var w World
	raw, err := os.ReadFile(path)
	if err != nil {
		return w, err
	}
	return Parse(raw)
}

func Parse(raw []byte) (World, error) {
	var w World
	if err := yaml.Unmarshal(raw, &w); err != nil {
		return w, fmt.Errorf("world.yaml: %w", err)
	}
	if err := w.Validate(); err != nil {
		return w, fmt.Errorf("world.yaml: %w", err)
	}
	return w, nil
}

func (w World) Validate() error {
	if w.InitialBalance <= 0 {
		return fmt.Errorf("initial_balance must be > 0")
	}
	if w.InitialStockPrice <= 0 {
		return fmt.Errorf("initial_stock_price must be > 0")
	}
	if w.Params.TauS <= 0 {
		return fmt.Errorf("params.tau_s must be > 0")
	}
	if w.Params.CoeffK <= 0 {
		return fmt.Errorf("params.coeff_k must be > 0")
	}
	users := make(map[int64]economy.Role, len(w.Users))
	for _, u := range w.Users {
		if u.ID <= 0 {
			return fmt.Errorf("user %q: id must be > 0", u.Name)
		}
		if _, dup := users[u.ID]; dup {
			return fmt.Errorf("user %d: duplicate id", u.ID)
		}
		switch u.Role {
		case economy.RoleRoot, economy.RolePlayer, economy.RoleNews, economy.RoleEditor, economy.RoleLogistics:
		default:
			return fmt.Errorf("user %d: unknown role %q", u.ID, u.Role)
		}
		users[u.ID] = u.Role
	}
	markets := make(map[int64]bool, len(w.Markets))
	for _, m := range w.Markets {
		if m.ID <= 0 {
			return fmt.Errorf("market %q: id must be > 0", m.Name)
		}
		if markets[m.ID] {
			return fmt.Errorf("market %d: duplicate id", m.ID)
		}
		if m.Ring < 0 || m.Ring > 2 {
			return fmt.Errorf("market %d: ring must be 0, 1 or 2", m.ID)
		}
		if m.Buy <= 0 || m.Sell <= 0 {
			return fmt.Errorf("market %d: buy and sell must be > 0", m.ID)
		}
		if m.HomeUser != 0 && users[m.HomeUser] != economy.RolePlayer {
			return fmt.Errorf("market %d: home_user %d is not a player", m.ID, m.HomeUser)
		}
		if _, ok := w.Demand[m.Ring]; !ok {
			return fmt.Errorf("market %d: no demand for ring %d", m.ID, m.Ring)
		}
		markets[m.ID] = true
	}
	for _, c := range w.Connections {
		if c[0] == c[1] {
			return fmt.Errorf("connection %d-%d: self loop", c[0], c[1])
		}
		if !markets[c[0]] || !markets[c[1]] {
			return fmt.Errorf("connection %d-%d: unknown market", c[0], c[1])
		}
	}
	return nil
}

// Edges returns the connections as undirected edges.
func (w World) Edges() []economy.Connection {
	out := make([]economy.Connection, 0, len(w.Connections))
	for _, c := range w.Connections {
		out = append(out, economy.Connection{A: c[0], B: c[1]})
	}
	return out
}
