package sharing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/agendasync/project/internal/app/agenda"
	"github.com/agendasync/project/internal/apperr"
	"github.com/agendasync/project/internal/contracts"
	platformauth "github.com/agendasync/project/internal/platform/auth"
)

// SharesPath is the route of the privileged share endpoint.
const SharesPath = "/api/v1/shares"

// Sharer is what the handler needs from the privileged service.
type Sharer interface {
	Share(ctx context.Context, caller string, req Request) (Result, error)
}

type Handler struct {
	Service       Sharer
	Tokens        platformauth.Manager
	AllowedOrigin string
	Limiter       *Limiter
}

func NewHandler(service Sharer, tokens platformauth.Manager, allowedOrigin string, limiter *Limiter) *Handler {
	return &Handler{
		Service:       service,
		Tokens:        tokens,
		AllowedOrigin: allowedOrigin,
		Limiter:       limiter,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(h.corsMiddleware)
	r.Options("/*", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Group(func(authR chi.Router) {
		authR.Use(h.authMiddleware)
		authR.Post(SharesPath, h.handleShare)
	})
	return r
}

func (h *Handler) handleShare(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if h.Limiter != nil && !h.Limiter.Allow(claims.Subject) {
		writeShareError(w, http.StatusTooManyRequests, "rate_limited", "too many share requests")
		return
	}

	var req contracts.ShareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeShareError(w, http.StatusBadRequest, string(apperr.KindValidationFailed), "invalid JSON payload")
		return
	}

	res, err := h.Service.Share(r.Context(), claims.Subject, Request{
		AgendaID:   req.AgendaID,
		Email:      req.Email,
		Permission: agenda.Permission(req.Permission),
	})
	if err != nil {
		kind := apperr.KindOf(err)
		if kind == "" {
			kind = apperr.KindRemoteRejected
		}
		writeShareError(w, statusForKind(kind), string(kind), errorMessage(err))
		return
	}

	writeJSON(w, http.StatusCreated, contracts.ShareResponse{
		Success:     true,
		Share:       grantToContract(res.Grant),
		GranteeName: res.GranteeName,
	})
}

func statusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidationFailed, apperr.KindSelfShareRejected:
		return http.StatusBadRequest
	case apperr.KindUnauthorized:
		return http.StatusUnauthorized
	case apperr.KindNotOwner:
		return http.StatusForbidden
	case apperr.KindGranteeNotFound:
		return http.StatusNotFound
	case apperr.KindNetworkUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnprocessableEntity
	}
}

func errorMessage(err error) string {
	var e *apperr.Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}

func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Vary", "Origin, Access-Control-Request-Headers")
		w.Header().Set("Access-Control-Allow-Origin", h.allowedOriginForRequest(r.Header.Get("Origin")))
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")

		requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers"))
		if requestHeaders != "" {
			w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
		} else {
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) allowedOriginForRequest(requestOrigin string) string {
	allowed := strings.TrimSpace(h.AllowedOrigin)
	if allowed == "" || allowed == "*" {
		return "*"
	}
	origin := strings.TrimSpace(requestOrigin)
	if origin == "" {
		return allowed
	}
	if origin == allowed || isEquivalentLoopbackOrigin(origin, allowed) {
		return origin
	}
	return allowed
}

func isEquivalentLoopbackOrigin(originA, originB string) bool {
	a, err := url.Parse(originA)
	if err != nil {
		return false
	}
	b, err := url.Parse(originB)
	if err != nil {
		return false
	}
	if !isLoopbackHost(a.Hostname()) || !isLoopbackHost(b.Hostname()) {
		return false
	}
	return a.Port() == b.Port() && strings.EqualFold(a.Scheme, b.Scheme)
}

func isLoopbackHost(host string) bool {
	switch strings.ToLower(strings.TrimSpace(host)) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}

type claimsContextKey struct{}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := platformauth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeShareError(w, http.StatusUnauthorized, string(apperr.KindUnauthorized), "missing bearer token")
			return
		}
		claims, err := h.Tokens.Parse(token)
		if err != nil {
			writeShareError(w, http.StatusUnauthorized, string(apperr.KindUnauthorized), err.Error())
			return
		}
		ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFromContext(ctx context.Context) platformauth.Claims {
	claims, _ := ctx.Value(claimsContextKey{}).(platformauth.Claims)
	return claims
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeShareError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, contracts.ShareResponse{Success: false, Error: msg, Code: code})
}

func grantToContract(g agenda.ShareGrant) *contracts.ShareGrant {
	return &contracts.ShareGrant{
		ID:         g.ID,
		AgendaID:   g.AgendaID,
		GranteeID:  g.GranteeID,
		Permission: string(g.Permission),
		CreatedAt:  g.CreatedAt,
	}
}

func grantFromContract(g *contracts.ShareGrant) agenda.ShareGrant {
	if g == nil {
		return agenda.ShareGrant{}
	}
	return agenda.ShareGrant{
		ID:         g.ID,
		AgendaID:   g.AgendaID,
		GranteeID:  g.GranteeID,
		Permission: agenda.Permission(g.Permission),
		CreatedAt:  g.CreatedAt,
	}
}

// Limiter throttles share requests per principal.
type Limiter struct {
	Rate  rate.Limit
	Burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewLimiter(perMinute, burst int) *Limiter {
	return &Limiter{
		Rate:     rate.Limit(float64(perMinute) / 60),
		Burst:    burst,
		limiters: map[string]*rate.Limiter{},
	}
}

func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.Rate, l.Burst)
		l.limiters[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
