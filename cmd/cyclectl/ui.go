package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tradecycle/internal/economy"
	"tradecycle/internal/game"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/fatih/color"
)

var (
	accent  = color.New(color.FgCyan, color.Bold)
	success = color.New(color.FgGreen, color.Bold)
	warn    = color.New(color.FgYellow, color.Bold)
	danger  = color.New(color.FgRed, color.Bold)
	neutral = color.New(color.FgHiWhite)

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

func printSuccess(msg string) {
	success.Println(msg)
}

func printWarn(msg string) {
	warn.Println(msg)
}

func printError(msg string) {
	danger.Println(msg)
}

func printInfo(msg string) {
	neutral.Println(msg)
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("8"))).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...)
}

func renderCycle(c game.CycleView) {
	accent.Printf("\n== CYCLE %d ==\n", c.ID)
	fmt.Printf("State:    %s\n", colorizeState(c.State))
	fmt.Printf("Started:  %s\n", formatTime(c.StartedAt))
	fmt.Printf("Finished: %s\n", formatTime(c.FinishedAt))
	fmt.Println()
}

func renderCycles(cycles []game.CycleView) {
	accent.Println("\n== CYCLES ==")
	if len(cycles) == 0 {
		printInfo("No cycles yet.")
		return
	}
	t := newTable("ID", "STATE", "STARTED", "FINISHED", "ALPHA", "BETA", "GAMMA", "TAU_S")
	for _, c := range cycles {
		t.Row(
			strconv.FormatInt(c.ID, 10),
			string(c.State),
			formatTime(c.StartedAt),
			formatTime(c.FinishedAt),
			formatMoney(c.Alpha),
			formatMoney(c.Beta),
			formatMoney(c.Gamma),
			formatMoney(c.TauS),
		)
	}
	fmt.Println(t)
}

func renderReport(r game.SettlementReport) {
	accent.Printf("\n== SETTLEMENT OF CYCLE %d ==\n", r.Cycle)
	t := newTable("METRIC", "VALUE")
	t.Row("finished at", r.FinishedAt.Local().Format("2006-01-02 15:04:05"))
	t.Row("supplies resolved", strconv.Itoa(r.SuppliesResolved))
	t.Row("items delivered", strconv.FormatInt(r.ItemsDelivered, 10))
	t.Row("items sold", strconv.FormatInt(r.ItemsSold, 10))
	t.Row("income", formatMoney(r.Income))
	t.Row("fees", formatMoney(r.Fees))
	t.Row("overdraft users", strconv.Itoa(r.OverdraftUsers))
	t.Row("share rows", strconv.Itoa(r.Shares))
	fmt.Println(t)
	if r.OverdraftUsers > 0 {
		printWarn(fmt.Sprintf("%d player(s) ended the cycle in overdraft.", r.OverdraftUsers))
	}
}

func renderPlayerView(v game.PlayerView) {
	accent.Printf("\n== CYCLE %d (%s) ==\n", v.Cycle.ID, v.Cycle.State)
	fmt.Printf("Balance: %s\n", colorizeMoney(v.Balance))
	fmt.Printf("Stock:   %s\n", formatMoney(v.Stock))
	t := newTable("ID", "MARKET", "RING", "BUY", "SELL", "THETA", "ACCESS", "STORED", "LAST SHARE", "POS")
	for _, m := range v.Markets {
		access := "locked"
		switch {
		case m.Protected:
			access = "home"
		case m.Unlocked:
			access = "open"
		}
		t.Row(
			strconv.FormatInt(m.MarketID, 10),
			truncate(m.Name, 18),
			strconv.Itoa(m.Ring),
			formatMoney(m.Buy),
			formatMoney(m.Sell),
			fmt.Sprintf("%.3f", m.Theta),
			access,
			strconv.FormatInt(m.Warehouse, 10),
			fmt.Sprintf("%.3f", m.LastShare),
			strconv.Itoa(m.LastPosition),
		)
	}
	fmt.Println(t)
}

func renderWarehouse(rows []game.WarehouseRow) {
	accent.Println("\n== WAREHOUSE ==")
	if len(rows) == 0 {
		printInfo("Warehouse is empty.")
		return
	}
	t := newTable("ID", "MARKET", "ITEMS", "IN FLIGHT")
	for _, r := range rows {
		t.Row(strconv.FormatInt(r.MarketID, 10), truncate(r.Market, 18), strconv.FormatInt(r.Items, 10), strconv.FormatInt(r.InFlight, 10))
	}
	fmt.Println(t)
}

// renderView prints the player view as a table and any other role view as
// indented JSON.
func renderView(raw map[string]any) error {
	if _, ok := raw["markets"]; ok {
		if _, ok := raw["balance"]; ok {
			v, err := decodeInto[game.PlayerView](raw)
			if err != nil {
				return err
			}
			renderPlayerView(v)
			return nil
		}
	}
	body, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(body))
	return nil
}

func decodeInto[T any](in any) (T, error) {
	var out T
	raw, err := json.Marshal(in)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}

func colorizeState(s economy.CycleState) string {
	switch s {
	case economy.CycleActive:
		return success.Sprint(s)
	case economy.CycleFinished:
		return neutral.Sprint(s)
	default:
		return warn.Sprint(s)
	}
}

func colorizeMoney(v float64) string {
	text := formatMoney(v)
	switch {
	case v > 0:
		return success.Sprint(text)
	case v < 0:
		return danger.Sprint(text)
	default:
		return neutral.Sprint(text)
	}
}

func formatMoney(v float64) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	cents := int64(v*100 + 0.5)
	return fmt.Sprintf("%s%s.%02d", sign, comma(cents/100), cents%100)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func comma(v int64) string {
	s := strconv.FormatInt(v, 10)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	pre := len(s) % 3
	if pre > 0 {
		b.WriteString(s[:pre])
		b.WriteByte(',')
	}
	for i := pre; i < len(s); i += 3 {
		b.WriteString(s[i : i+3])
		if i+3 < len(s) {
			b.WriteByte(',')
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
