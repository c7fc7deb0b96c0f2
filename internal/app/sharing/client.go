package sharing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/agendasync/project/internal/app/agenda"
	"github.com/agendasync/project/internal/app/gateway"
	"github.com/agendasync/project/internal/apperr"
	"github.com/agendasync/project/internal/contracts"
	platformauth "github.com/agendasync/project/internal/platform/auth"
)

// Boundary is the privileged entry point for creating grants. *Service
// satisfies it in-process; HTTPBoundary reaches a remote share-api.
type Boundary interface {
	Share(ctx context.Context, caller string, req Request) (Result, error)
}

type TokenSource interface {
	Token(principal string) (string, error)
}

// SignedTokens mints short-lived tokens with a shared secret.
type SignedTokens struct {
	Manager platformauth.Manager
}

func (s SignedTokens) Token(principal string) (string, error) {
	return s.Manager.Sign(principal, "")
}

type HTTPBoundary struct {
	BaseURL string
	Client  *http.Client
	Tokens  TokenSource
}

func NewHTTPBoundary(baseURL string, tokens TokenSource) *HTTPBoundary {
	return &HTTPBoundary{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 10 * time.Second},
		Tokens:  tokens,
	}
}

func (b *HTTPBoundary) Share(ctx context.Context, caller string, req Request) (Result, error) {
	const op = "share agenda"
	token, err := b.Tokens.Token(caller)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.KindUnauthorized, op, err)
	}
	body, err := json.Marshal(contracts.ShareRequest{
		AgendaID:   req.AgendaID,
		Email:      req.Email,
		Permission: string(req.Permission),
	})
	if err != nil {
		return Result{}, fmt.Errorf("encode share request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.BaseURL+SharesPath, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build share request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	client := b.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.KindNetworkUnavailable, op, err)
	}
	defer resp.Body.Close()

	var out contracts.ShareResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, apperr.New(apperr.KindRemoteRejected, op,
			fmt.Sprintf("unreadable response (status %d)", resp.StatusCode))
	}
	if resp.StatusCode >= 300 || !out.Success {
		return Result{}, responseError(op, resp.StatusCode, out)
	}
	return Result{Grant: grantFromContract(out.Share), GranteeName: out.GranteeName}, nil
}

func responseError(op string, status int, out contracts.ShareResponse) error {
	msg := out.Error
	if msg == "" {
		msg = http.StatusText(status)
	}
	switch kind := apperr.Kind(out.Code); kind {
	case apperr.KindValidationFailed, apperr.KindUnauthorized, apperr.KindNotOwner,
		apperr.KindGranteeNotFound, apperr.KindSelfShareRejected, apperr.KindRemoteRejected,
		apperr.KindNetworkUnavailable:
		return apperr.New(kind, op, msg)
	}
	if status == http.StatusServiceUnavailable || status == http.StatusBadGateway || status == http.StatusGatewayTimeout {
		return apperr.New(apperr.KindNetworkUnavailable, op, msg)
	}
	return apperr.New(apperr.KindRemoteRejected, op, msg)
}

// Manager is the client side of sharing for one signed-in principal's app.
type Manager struct {
	Boundary Boundary
	Grants   gateway.Grants
}

func NewManager(boundary Boundary, grants gateway.Grants) *Manager {
	return &Manager{Boundary: boundary, Grants: grants}
}

// ShareAgenda checks the request locally and forwards it to the privileged
// boundary. Malformed requests never leave the process.
func (m *Manager) ShareAgenda(ctx context.Context, principal, agendaID, email string, perm agenda.Permission) (Result, error) {
	principal = strings.TrimSpace(principal)
	if principal == "" {
		return Result{}, apperr.New(apperr.KindUnauthorized, "share agenda", "no authenticated principal")
	}
	req := Request{AgendaID: agendaID, Email: email, Permission: perm}.normalized()
	if err := req.Validate(); err != nil {
		return Result{}, err
	}
	return m.Boundary.Share(ctx, principal, req)
}

// RemoveShare deletes a grant. Either party to the grant may remove it.
func (m *Manager) RemoveShare(ctx context.Context, principal, grantID string) error {
	const op = "remove share"
	if strings.TrimSpace(principal) == "" {
		return apperr.New(apperr.KindUnauthorized, op, "no authenticated principal")
	}
	if strings.TrimSpace(grantID) == "" {
		return apperr.Validation(op, "grant id is required")
	}
	return apperr.Remote(op, m.Grants.DeleteShareGrant(ctx, principal, strings.TrimSpace(grantID)))
}

func (m *Manager) SharesForAgenda(ctx context.Context, principal, agendaID string) ([]agenda.ShareGrant, error) {
	grants, err := m.Grants.ListShareGrantsForAgenda(ctx, principal, agendaID)
	if err != nil {
		return nil, apperr.Remote("list shares", err)
	}
	return grants, nil
}

func (m *Manager) SharedWithMe(ctx context.Context, principal string) ([]agenda.ShareGrant, error) {
	grants, err := m.Grants.ListShareGrantsForPrincipal(ctx, principal)
	if err != nil {
		return nil, apperr.Remote("list shares", err)
	}
	return grants, nil
}
