// internal/handlers/dispute.go
package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/javajoker/imi-ledger/internal/i18n"
	"github.com/javajoker/imi-ledger/internal/services"
	"github.com/javajoker/imi-ledger/internal/utils"
)

type DisputeHandler struct {
	disputes *services.DisputeService
}

func NewDisputeHandler(disputes *services.DisputeService) *DisputeHandler {
	return &DisputeHandler{disputes: disputes}
}

// POST /v1/ownership/records/:id/dispute
func (h *DisputeHandler) Flag(c *gin.Context) {
	var req services.FlagDisputeRequest
	if !bindJSON(c, &req) {
		return
	}

	record, err := h.disputes.FlagDispute(c.Request.Context(), actorFromContext(c), c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}

	lang := utils.GetLangFromContext(c)
	utils.SuccessResponse(c, gin.H{
		"message": i18n.T(lang, i18n.KeyDisputeFlagged),
		"record":  record,
	})
}

// POST /v1/ownership/records/:id/resolve
func (h *DisputeHandler) Resolve(c *gin.Context) {
	var req services.ResolveDisputeRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.disputes.ResolveDispute(c.Request.Context(), actorFromContext(c), c.Param("id"), req)
	if err != nil {
		respondError(c, err)
		return
	}

	lang := utils.GetLangFromContext(c)
	utils.SuccessResponse(c, gin.H{
		"message":    i18n.T(lang, i18n.KeyDisputeResolved),
		"resolution": result,
	})
}

// GET /v1/ownership/disputes?status=open|resolved&asset_id=
func (h *DisputeHandler) List(c *gin.Context) {
	params := utils.GetPaginationParams(c)
	filter := services.DisputeFilter{
		Status:  c.Query("status"),
		AssetID: c.Query("asset_id"),
	}

	records, total, err := h.disputes.ListDisputes(c.Request.Context(), filter, params)
	if err != nil {
		respondError(c, err)
		return
	}

	utils.PaginatedResponse(c, utils.CreatePaginationResult(records, total, params))
}
