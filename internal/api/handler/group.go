package handler

import (
	"errors"
	"net/http"

	"github.com/bcnelson/tontine-manager/internal/domain"
	"github.com/bcnelson/tontine-manager/internal/ledger"
	"github.com/bcnelson/tontine-manager/internal/service"
	"github.com/bcnelson/tontine-manager/internal/validation"
	"github.com/go-chi/chi/v5"
)

// GroupHandler handles group endpoints.
type GroupHandler struct {
	membership *service.MembershipService
}

// NewGroupHandler creates a new GroupHandler.
func NewGroupHandler(membership *service.MembershipService) *GroupHandler {
	return &GroupHandler{membership: membership}
}

// Create creates a new group with its wallet.
func (h *GroupHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateGroupRequest
	if err := decodeJSON(r, &req); err != nil {
		handleError(w, err)
		return
	}

	group, err := h.membership.CreateGroup(r.Context(), &req)
	if err != nil {
		handleError(w, err)
		return
	}

	SetGroupETag(w, group)
	respondJSON(w, http.StatusCreated, group)
}

// List lists the groups a user belongs to.
func (h *GroupHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		handleError(w, validation.ValidationErrors{validation.NewValidationError("userId", "", "userId query parameter is required")})
		return
	}

	groups, err := h.membership.ListGroupsForUser(r.Context(), userID)
	if err != nil {
		handleError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, groups)
}

// Get gets a group by id.
func (h *GroupHandler) Get(w http.ResponseWriter, r *http.Request) {
	group, err := h.membership.GetGroupDetail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err)
		return
	}

	SetGroupETag(w, group)
	respondJSON(w, http.StatusOK, group)
}

// Join adds a member, optionally ensuring the wallet trustline first.
func (h *GroupHandler) Join(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "id")

	var req domain.JoinGroupRequest
	if err := decodeJSON(r, &req); err != nil {
		handleError(w, err)
		return
	}

	// The version check runs inside the write.
	req.IfVersion = IfMatchVersion(r, "group", groupID)

	resp, err := h.membership.Join(r.Context(), groupID, &req)
	var stale *domain.StaleVersionError
	if errors.As(err, &stale) {
		RespondPreconditionFailed(w, stale.Resource, stale.ID, stale.Current)
		return
	}
	if err != nil {
		handleError(w, err)
		return
	}

	SetGroupETag(w, resp.Group)
	respondJSON(w, http.StatusOK, resp)
}

// Contribute pays a member's contribution into the group wallet.
func (h *GroupHandler) Contribute(w http.ResponseWriter, r *http.Request) {
	var req domain.ContributionRequest
	if err := decodeJSON(r, &req); err != nil {
		handleError(w, err)
		return
	}

	payer := ledger.Credential{Address: req.PayerAddress, Secret: req.PayerSecret}
	resp, err := h.membership.RecordContribution(r.Context(), chi.URLParam(r, "id"), req.UserID, payer, req.Amount)
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, resp)
}

// EnsureTrustline makes sure the group wallet holds the stable-asset trustline.
func (h *GroupHandler) EnsureTrustline(w http.ResponseWriter, r *http.Request) {
	status, err := h.membership.EnsureGroupTrustline(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// Balance returns the wallet balance of a group.
func (h *GroupHandler) Balance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.membership.GroupBalance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, balance)
}

// Settlements lists the recorded transfer attempts of a group.
func (h *GroupHandler) Settlements(w http.ResponseWriter, r *http.Request) {
	settlements, err := h.membership.ListSettlements(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, settlements)
}
