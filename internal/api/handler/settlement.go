package handler

import (
	"net/http"
	"time"

	"github.com/bcnelson/tontine-manager/internal/domain"
	"github.com/bcnelson/tontine-manager/internal/service"
)

// SettlementHandler triggers settlement passes.
type SettlementHandler struct {
	settlement *service.SettlementService
	now        func() time.Time
}

// NewSettlementHandler creates a new SettlementHandler.
func NewSettlementHandler(settlement *service.SettlementService) *SettlementHandler {
	return &SettlementHandler{settlement: settlement, now: time.Now}
}

// Run executes one settlement pass at the current time.
func (h *SettlementHandler) Run(w http.ResponseWriter, r *http.Request) {
	ranAt := h.now().UTC()
	outcomes, err := h.settlement.RunSettlementPass(r.Context(), ranAt)
	if err != nil {
		handleErrorWithDetails(w, err, map[string]any{"outcomes": outcomes})
		return
	}

	respondJSON(w, http.StatusOK, &domain.SettlementRunResponse{
		RanAt:    ranAt,
		Outcomes: outcomes,
	})
}
