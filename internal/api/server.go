package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tradecycle/internal/economy"
	"tradecycle/internal/game"
	"tradecycle/internal/metrics"
	"tradecycle/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// UserHeader carries the acting user id. It identifies, it does not
// authenticate.
const UserHeader = "X-Tradecycle-User"

type contextKey string

const userContextKey contextKey = "user"

type Server struct {
	log     *slog.Logger
	game    *game.Service
	metrics *metrics.Collector
	mux     *chi.Mux
}

func New(logger *slog.Logger, gameSvc *game.Service, collector *metrics.Collector) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		log:     logger,
		game:    gameSvc,
		metrics: collector,
		mux:     chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.identityMiddleware)
		r.Get("/view", s.handleView)
		r.Get("/warehouse", s.handleWarehouse)
		r.Post("/production", s.handleProduce)
		r.Post("/supplies", s.handleShip)

		r.Route("/admin", func(r chi.Router) {
			r.With(requireRole(economy.RoleRoot, economy.RoleEditor)).Post("/modificators", s.handleModificator)

			r.Group(func(r chi.Router) {
				r.Use(requireRole(economy.RoleRoot))
				r.Get("/cycles", s.handleCycles)
				r.Post("/cycles/start", s.handleStart)
				r.Post("/cycles/finish", s.handleFinish)
				r.Post("/cycles/next", s.handleNext)
				r.Post("/cycles/advance", s.handleAdvance)
			})
		})
	})
}

func (s *Server) identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(UserHeader))
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "missing "+UserHeader+" header")
			return
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "invalid "+UserHeader+" header")
			return
		}
		user, err := s.game.User(r.Context(), id)
		if err != nil {
			if errors.Is(err, game.ErrUserNotFound) {
				writeError(w, http.StatusUnauthorized, "unknown user")
				return
			}
			s.writeDomainError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requireRole(roles ...economy.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := userFromContext(r.Context())
			if err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
			for _, role := range roles {
				if user.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, "role "+string(user.Role)+" may not do this")
		})
	}
}

func userFromContext(ctx context.Context) (economy.User, error) {
	user, ok := ctx.Value(userContextKey).(economy.User)
	if !ok || user.ID == 0 {
		return economy.User{}, errors.New("missing user context")
	}
	return user, nil
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	view, err := s.game.View(r.Context(), user.ID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleWarehouse(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	rows, err := s.game.Warehouse(r.Context(), user.ID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": rows})
}

type tradeRequest struct {
	MarketID int64 `json:"market_id"`
	Quantity int64 `json:"quantity"`
}

func (s *Server) handleProduce(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in tradeRequest
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.game.Produce(r.Context(), game.ProduceInput{
		UserID:         user.ID,
		MarketID:       in.MarketID,
		Quantity:       in.Quantity,
		IdempotencyKey: idempotencyKey(r),
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleShip(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in tradeRequest
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.game.Ship(r.Context(), game.ShipInput{
		UserID:         user.ID,
		MarketID:       in.MarketID,
		Quantity:       in.Quantity,
		IdempotencyKey: idempotencyKey(r),
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleModificator(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Cycle int64   `json:"cycle"`
		Param string  `json:"param"`
		Ring  int     `json:"ring"`
		Value float64 `json:"value"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	mod, err := s.game.AddModificator(r.Context(), game.ModificatorInput{Cycle: in.Cycle, Param: in.Param, Ring: in.Ring, Value: in.Value})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, mod)
}

func (s *Server) handleCycles(w http.ResponseWriter, r *http.Request) {
	cycles, err := s.game.Cycles(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cycles": cycles})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	cycle, err := s.game.StartCycle(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cycleResponse(cycle))
}

func (s *Server) handleFinish(w http.ResponseWriter, r *http.Request) {
	report, err := s.game.FinishCycle(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	cycle, err := s.game.CreateNextCycle(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cycleResponse(cycle))
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	view, err := s.game.Advance(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func cycleResponse(c economy.Cycle) game.CycleView {
	return game.CycleView{Cycle: c, State: c.State()}
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, game.ErrDuplicateIdempotency), errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, game.ErrMarketLocked), errors.Is(err, game.ErrNotPlayer), errors.Is(err, game.ErrUnauthorized):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, game.ErrCycleNotActive):
		writeError(w, http.StatusConflict, err.Error())
	case game.IsRejected(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, game.ErrUserNotFound), errors.Is(err, game.ErrMarketNotFound), errors.Is(err, game.ErrCycleNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, game.ErrPrecondition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": strings.TrimSpace(message)})
}

func idempotencyKey(r *http.Request) string {
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key != "" {
		return key
	}
	return uuid.NewString()
}
