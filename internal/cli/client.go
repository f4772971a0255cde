package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tradecycle/internal/economy"
	"tradecycle/internal/game"
)

const userHeader = "X-Tradecycle-User"

type Client struct {
	BaseURL string
	UserID  int64
	HTTP    *http.Client
}

func NewClient(baseURL string, userID int64) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		UserID:  userID,
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is a non-2xx response. Message is the server's "error" field
// when the body has one.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api status %d: %s", e.Status, e.Message)
}

func (c *Client) View(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/view", nil, &out, "")
	return out, err
}

func (c *Client) PlayerView(ctx context.Context) (game.PlayerView, error) {
	var out game.PlayerView
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/view", nil, &out, "")
	return out, err
}

func (c *Client) Warehouse(ctx context.Context) ([]game.WarehouseRow, error) {
	var out struct {
		Items []game.WarehouseRow `json:"items"`
	}
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/warehouse", nil, &out, "")
	return out.Items, err
}

func (c *Client) Produce(ctx context.Context, marketID, quantity int64, idem string) (game.ProduceResult, error) {
	var out game.ProduceResult
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/production", map[string]any{
		"market_id": marketID,
		"quantity":  quantity,
	}, &out, idem)
	return out, err
}

func (c *Client) Ship(ctx context.Context, marketID, quantity int64, idem string) (game.ShipResult, error) {
	var out game.ShipResult
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/supplies", map[string]any{
		"market_id": marketID,
		"quantity":  quantity,
	}, &out, idem)
	return out, err
}

func (c *Client) Cycles(ctx context.Context) ([]game.CycleView, error) {
	var out struct {
		Cycles []game.CycleView `json:"cycles"`
	}
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/admin/cycles", nil, &out, "")
	return out.Cycles, err
}

func (c *Client) StartCycle(ctx context.Context) (game.CycleView, error) {
	var out game.CycleView
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/admin/cycles/start", nil, &out, "")
	return out, err
}

func (c *Client) FinishCycle(ctx context.Context) (game.SettlementReport, error) {
	var out game.SettlementReport
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/admin/cycles/finish", nil, &out, "")
	return out, err
}

func (c *Client) NextCycle(ctx context.Context) (game.CycleView, error) {
	var out game.CycleView
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/admin/cycles/next", nil, &out, "")
	return out, err
}

func (c *Client) Advance(ctx context.Context) (game.CycleView, error) {
	var out game.CycleView
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/admin/cycles/advance", nil, &out, "")
	return out, err
}

func (c *Client) AddModificator(ctx context.Context, cycle int64, param string, ring int, value float64) (economy.Modificator, error) {
	var out economy.Modificator
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/admin/modificators", map[string]any{
		"cycle": cycle,
		"param": param,
		"ring":  ring,
		"value": value,
	}, &out, "")
	return out, err
}

func (c *Client) jsonRequest(ctx context.Context, method, path string, in any, out any, idem string) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.UserID != 0 {
		req.Header.Set(userHeader, strconv.FormatInt(c.UserID, 10))
	}
	if idem != "" {
		req.Header.Set("Idempotency-Key", idem)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		var payload struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
			apiErr.Message = payload.Error
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
