package game

import (
	"context"
	"fmt"

	"tradecycle/internal/economy"
	"tradecycle/internal/store"
)

// Viewer renders the world as one role sees it.
type Viewer interface {
	Fetch(ctx context.Context, r store.Reader, user economy.User) (any, error)
}

// ViewerFor returns the viewer of a role. Logistics operators and unknown
// roles have none.
func ViewerFor(role economy.Role) (Viewer, error) {
	switch role {
	case economy.RoleRoot:
		return rootView{}, nil
	case economy.RolePlayer:
		return playerView{}, nil
	case economy.RoleNews:
		return newsView{}, nil
	case economy.RoleEditor:
		return editorView{}, nil
	default:
		return nil, fmt.Errorf("%w: no view for role %q", ErrUnauthorized, role)
	}
}

// View resolves the user's role and fetches its view in one read.
func (s *Service) View(ctx context.Context, userID int64) (any, error) {
	var out any
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		user, err := tx.User(ctx, userID)
		if err != nil {
			return notFound(err, ErrUserNotFound)
		}
		v, err := ViewerFor(user.Role)
		if err != nil {
			return err
		}
		out, err = v.Fetch(ctx, tx, user)
		return err
	})
	return out, err
}

type PlayerSummary struct {
	UserID  int64   `json:"user_id"`
	Name    string  `json:"name"`
	Role    string  `json:"role"`
	Balance float64 `json:"balance"`
	Stock   float64 `json:"stock"`
}

type RootView struct {
	Current  CycleView       `json:"current"`
	Cycles   []CycleView     `json:"cycles"`
	Players  []PlayerSummary `json:"players"`
	InFlight int             `json:"in_flight"`
}

type rootView struct{}

func (rootView) Fetch(ctx context.Context, r store.Reader, _ economy.User) (any, error) {
	cur, err := r.CurrentCycle(ctx)
	if err != nil {
		return nil, notFound(err, ErrCycleNotFound)
	}
	cycles, err := r.Cycles(ctx)
	if err != nil {
		return nil, err
	}
	out := RootView{Current: viewOf(cur)}
	for _, c := range cycles {
		out.Cycles = append(out.Cycles, viewOf(c))
	}
	if out.Players, err = summaries(ctx, r, cur.ID); err != nil {
		return nil, err
	}
	supplies, err := r.Supplies(ctx, store.Filter{Cycle: cur.ID})
	if err != nil {
		return nil, err
	}
	for _, sp := range supplies {
		if sp.InFlight() {
			out.InFlight++
		}
	}
	return out, nil
}

func summaries(ctx context.Context, r store.Reader, cycle int64) ([]PlayerSummary, error) {
	users, err := r.Users(ctx)
	if err != nil {
		return nil, err
	}
	balances, err := r.Balances(ctx, cycle)
	if err != nil {
		return nil, err
	}
	stocks, err := r.Stocks(ctx, cycle)
	if err != nil {
		return nil, err
	}
	bal := make(map[int64]float64, len(balances))
	for _, b := range balances {
		bal[b.User] = b.Amount
	}
	price := make(map[int64]float64, len(stocks))
	for _, st := range stocks {
		price[st.User] = st.Price
	}
	var out []PlayerSummary
	for _, u := range users {
		if u.Role != economy.RolePlayer && u.Role != economy.RoleLogistics {
			continue
		}
		out = append(out, PlayerSummary{UserID: u.ID, Name: u.Name, Role: string(u.Role), Balance: bal[u.ID], Stock: price[u.ID]})
	}
	return out, nil
}

type PlayerMarket struct {
	MarketID  int64   `json:"market_id"`
	Name      string  `json:"name"`
	Ring      int     `json:"ring"`
	Buy       float64 `json:"buy"`
	Sell      float64 `json:"sell"`
	Theta     float64 `json:"theta"`
	Unlocked  bool    `json:"unlocked"`
	Protected bool    `json:"protected"`
	Warehouse int64   `json:"warehouse"`
	// LastShare and LastPosition come from the previous cycle.
	LastShare    float64 `json:"last_share"`
	LastPosition int     `json:"last_position"`
}

type PlayerView struct {
	Cycle   CycleView      `json:"cycle"`
	Balance float64        `json:"balance"`
	Stock   float64        `json:"stock"`
	Markets []PlayerMarket `json:"markets"`
}

type playerView struct{}

func (playerView) Fetch(ctx context.Context, r store.Reader, user economy.User) (any, error) {
	cur, err := r.CurrentCycle(ctx)
	if err != nil {
		return nil, notFound(err, ErrCycleNotFound)
	}
	out := PlayerView{Cycle: viewOf(cur)}
	if bal, err := r.Balance(ctx, cur.ID, user.ID); err == nil {
		out.Balance = bal.Amount
	}
	stocks, err := r.Stocks(ctx, cur.ID)
	if err != nil {
		return nil, err
	}
	for _, st := range stocks {
		if st.User == user.ID {
			out.Stock = st.Price
		}
	}

	markets, err := r.Markets(ctx)
	if err != nil {
		return nil, err
	}
	prices, err := r.Prices(ctx, cur.ID)
	if err != nil {
		return nil, err
	}
	thetas, err := r.Thetas(ctx, store.Filter{Cycle: cur.ID, User: user.ID})
	if err != nil {
		return nil, err
	}
	shares, err := r.Shares(ctx, store.Filter{Cycle: cur.ID, User: user.ID})
	if err != nil {
		return nil, err
	}
	var last []economy.MarketShare
	if cur.ID > 1 {
		if last, err = r.Shares(ctx, store.Filter{Cycle: cur.ID - 1, User: user.ID}); err != nil {
			return nil, err
		}
	}
	production, err := r.Production(ctx, store.Filter{User: user.ID, UpToCycle: cur.ID})
	if err != nil {
		return nil, err
	}
	supplies, err := r.Supplies(ctx, store.Filter{User: user.ID, UpToCycle: cur.ID})
	if err != nil {
		return nil, err
	}
	stock := economy.Warehouses(production, supplies, cur.ID)

	rows := make(map[int64]*PlayerMarket, len(markets))
	for _, m := range markets {
		row := PlayerMarket{MarketID: m.ID, Name: m.Name, Ring: m.Ring, Warehouse: stock[economy.Key{User: user.ID, Market: m.ID}]}
		out.Markets = append(out.Markets, row)
	}
	for i := range out.Markets {
		rows[out.Markets[i].MarketID] = &out.Markets[i]
	}
	for _, p := range prices {
		if row, ok := rows[p.Market]; ok {
			row.Buy, row.Sell = p.Buy, p.Sell
		}
	}
	for _, th := range thetas {
		if row, ok := rows[th.Market]; ok {
			row.Theta = th.Value
		}
	}
	for _, sh := range shares {
		if row, ok := rows[sh.Market]; ok {
			row.Unlocked, row.Protected = sh.Unlocked, sh.Protected
		}
	}
	for _, sh := range last {
		if row, ok := rows[sh.Market]; ok {
			row.LastShare, row.LastPosition = sh.Share, sh.Position
		}
	}
	return out, nil
}

type Leader struct {
	MarketID int64   `json:"market_id"`
	Market   string  `json:"market"`
	UserID   int64   `json:"user_id"`
	User     string  `json:"user"`
	Position int     `json:"position"`
	Share    float64 `json:"share"`
}

type StockQuote struct {
	UserID int64   `json:"user_id"`
	Name   string  `json:"name"`
	Price  float64 `json:"price"`
}

type NewsView struct {
	Cycle CycleView `json:"cycle"`
	// Leaders are the top two of every market in the last finished cycle.
	Leaders []Leader              `json:"leaders"`
	Prices  []economy.MarketPrice `json:"prices"`
	Stocks  []StockQuote          `json:"stocks"`
}

type newsView struct{}

func (newsView) Fetch(ctx context.Context, r store.Reader, _ economy.User) (any, error) {
	return fetchNews(ctx, r)
}

func fetchNews(ctx context.Context, r store.Reader) (NewsView, error) {
	var out NewsView
	cur, err := r.CurrentCycle(ctx)
	if err != nil {
		return out, notFound(err, ErrCycleNotFound)
	}
	out.Cycle = viewOf(cur)

	users, err := r.Users(ctx)
	if err != nil {
		return out, err
	}
	names := make(map[int64]string, len(users))
	for _, u := range users {
		names[u.ID] = u.Name
	}
	markets, err := r.Markets(ctx)
	if err != nil {
		return out, err
	}
	marketNames := make(map[int64]string, len(markets))
	for _, m := range markets {
		marketNames[m.ID] = m.Name
	}

	finished := cur.ID
	if cur.State() != economy.CycleFinished {
		finished--
	}
	if finished >= 1 {
		shares, err := r.Shares(ctx, store.Filter{Cycle: finished})
		if err != nil {
			return out, err
		}
		for _, sh := range shares {
			if sh.Position < 1 || sh.Position > 2 {
				continue
			}
			out.Leaders = append(out.Leaders, Leader{
				MarketID: sh.Market,
				Market:   marketNames[sh.Market],
				UserID:   sh.User,
				User:     names[sh.User],
				Position: sh.Position,
				Share:    sh.Share,
			})
		}
	}

	if out.Prices, err = r.Prices(ctx, cur.ID); err != nil {
		return out, err
	}
	stocks, err := r.Stocks(ctx, cur.ID)
	if err != nil {
		return out, err
	}
	for _, st := range stocks {
		out.Stocks = append(out.Stocks, StockQuote{UserID: st.User, Name: names[st.User], Price: st.Price})
	}
	return out, nil
}

type EditorView struct {
	NewsView
	Demand       []economy.WorldDemand `json:"demand"`
	Modificators []economy.Modificator `json:"modificators"`
}

type editorView struct{}

func (editorView) Fetch(ctx context.Context, r store.Reader, _ economy.User) (any, error) {
	news, err := fetchNews(ctx, r)
	if err != nil {
		return nil, err
	}
	out := EditorView{NewsView: news}
	cur := news.Cycle.ID
	if out.Demand, err = r.Demand(ctx, cur); err != nil {
		return nil, err
	}
	for _, c := range []int64{cur, cur + 1} {
		mods, err := r.Modificators(ctx, c)
		if err != nil {
			return nil, err
		}
		out.Modificators = append(out.Modificators, mods...)
	}
	return out, nil
}
