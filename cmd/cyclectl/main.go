package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	cl "tradecycle/internal/cli"
	"tradecycle/internal/config"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type globals struct {
	apiBase string
	userID  int64
}

func main() {
	cfg := config.LoadCLIFromEnv()
	g := &globals{apiBase: cfg.APIBaseURL, userID: cfg.UserID}
	if p, err := cl.LoadProfile(); err == nil {
		if os.Getenv("CYCLECTL_API_BASE_URL") == "" && p.APIBaseURL != "" {
			g.apiBase = p.APIBaseURL
		}
		if os.Getenv("CYCLECTL_USER") == "" {
			g.userID = p.UserID
		}
	}

	root := &cobra.Command{
		Use:          "cyclectl",
		Short:        "Trade cycle game client",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&g.apiBase, "api", g.apiBase, "API base URL")
	root.PersistentFlags().Int64VarP(&g.userID, "user", "u", g.userID, "acting user id")

	root.AddCommand(
		newUseCmd(g),
		newViewCmd(g),
		newWarehouseCmd(g),
		newProduceCmd(g),
		newShipCmd(g),
		newCycleCmd(g),
		newModCmd(g),
	)

	if err := root.Execute(); err != nil {
		var apiErr *cl.APIError
		if errors.As(err, &apiErr) {
			printError(fmt.Sprintf("%d: %s", apiErr.Status, apiErr.Message))
		} else {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

func (g *globals) client() *cl.Client {
	return cl.NewClient(strings.TrimRight(strings.TrimSpace(g.apiBase), "/"), g.userID)
}

func timeout(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), 30*time.Second)
}

func newUseCmd(g *globals) *cobra.Command {
	var reset bool
	cmd := &cobra.Command{
		Use:   "use [user-id]",
		Short: "Remember the acting user and API URL",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reset {
				if err := cl.ClearProfile(); err != nil {
					return err
				}
				printSuccess("Profile cleared.")
				return nil
			}
			if len(args) == 1 {
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil || id <= 0 {
					return fmt.Errorf("invalid user id %q", args[0])
				}
				g.userID = id
			}
			if err := cl.SaveProfile(cl.Profile{APIBaseURL: g.apiBase, UserID: g.userID}); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Acting as user %d on %s.", g.userID, g.apiBase))
			return nil
		},
	}
	cmd.Flags().BoolVar(&reset, "clear", false, "remove the saved profile")
	return cmd
}

func newViewCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "view",
		Short: "Show the view for the acting user's role",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := timeout(cmd)
			defer cancel()
			raw, err := g.client().View(ctx)
			if err != nil {
				return err
			}
			return renderView(raw)
		},
	}
}

func newWarehouseCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "warehouse",
		Short: "List stored and in-flight items",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := timeout(cmd)
			defer cancel()
			rows, err := g.client().Warehouse(ctx)
			if err != nil {
				return err
			}
			renderWarehouse(rows)
			return nil
		},
	}
}

type tradeFlags struct {
	market int64
	qty    int64
	idem   string
}

func (f *tradeFlags) bind(cmd *cobra.Command) {
	cmd.Flags().Int64VarP(&f.market, "market", "m", 0, "market id")
	cmd.Flags().Int64VarP(&f.qty, "qty", "q", 0, "quantity")
	cmd.Flags().StringVar(&f.idem, "key", "", "idempotency key (random when empty)")
	_ = cmd.MarkFlagRequired("market")
	_ = cmd.MarkFlagRequired("qty")
}

func (f *tradeFlags) key() string {
	if strings.TrimSpace(f.idem) != "" {
		return f.idem
	}
	return uuid.NewString()
}

func newProduceCmd(g *globals) *cobra.Command {
	var f tradeFlags
	cmd := &cobra.Command{
		Use:   "produce",
		Short: "Produce items at a market",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := timeout(cmd)
			defer cancel()
			res, err := g.client().Produce(ctx, f.market, f.qty, f.key())
			if err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Produced %d items in cycle %d for %s (theta %.3f).", res.Quantity, res.Cycle, formatMoney(res.Cost), res.Theta))
			fmt.Printf("Balance: %s\n", colorizeMoney(res.Balance))
			return nil
		},
	}
	f.bind(cmd)
	return cmd
}

func newShipCmd(g *globals) *cobra.Command {
	var f tradeFlags
	cmd := &cobra.Command{
		Use:   "ship",
		Short: "Ship stored items to a market",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := timeout(cmd)
			defer cancel()
			res, err := g.client().Ship(ctx, f.market, f.qty, f.key())
			if err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Supply %d of %d items started, fee %s.", res.SupplyID, res.Quantity, formatMoney(res.Fee)))
			fmt.Printf("Balance: %s\n", colorizeMoney(res.Balance))
			return nil
		},
	}
	f.bind(cmd)
	return cmd
}

func newCycleCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Administer cycles (root only)",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List all cycles",
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := timeout(cmd)
				defer cancel()
				cycles, err := g.client().Cycles(ctx)
				if err != nil {
					return err
				}
				renderCycles(cycles)
				return nil
			},
		},
		&cobra.Command{
			Use:   "start",
			Short: "Start the pending cycle",
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := timeout(cmd)
				defer cancel()
				c, err := g.client().StartCycle(ctx)
				if err != nil {
					return err
				}
				renderCycle(c)
				return nil
			},
		},
		&cobra.Command{
			Use:   "finish",
			Short: "Finish the active cycle and settle it",
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := timeout(cmd)
				defer cancel()
				r, err := g.client().FinishCycle(ctx)
				if err != nil {
					return err
				}
				renderReport(r)
				return nil
			},
		},
		&cobra.Command{
			Use:   "next",
			Short: "Create the next cycle after a finished one",
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := timeout(cmd)
				defer cancel()
				c, err := g.client().NextCycle(ctx)
				if err != nil {
					return err
				}
				renderCycle(c)
				return nil
			},
		},
		&cobra.Command{
			Use:   "advance",
			Short: "Finish, create and start in one step",
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := timeout(cmd)
				defer cancel()
				c, err := g.client().Advance(ctx)
				if err != nil {
					return err
				}
				renderCycle(c)
				return nil
			},
		},
	)
	return cmd
}

func newModCmd(g *globals) *cobra.Command {
	var (
		cycle int64
		ring  int
	)
	cmd := &cobra.Command{
		Use:   "mod <param> <value>",
		Short: "Override a parameter for an upcoming cycle",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid value %q", args[1])
			}
			ctx, cancel := timeout(cmd)
			defer cancel()
			m, err := g.client().AddModificator(ctx, cycle, args[0], ring, value)
			if err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Modificator %d: %s=%v for cycle %d (ring %d).", m.ID, m.Param, m.Value, m.Cycle, m.Ring))
			return nil
		},
	}
	cmd.Flags().Int64Var(&cycle, "cycle", 0, "target cycle (0 = next)")
	cmd.Flags().IntVar(&ring, "ring", 0, "ring for demand overrides")
	return cmd
}
