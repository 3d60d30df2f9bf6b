// internal/handlers/ownership.go
package handlers

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/javajoker/imi-ledger/internal/i18n"
	"github.com/javajoker/imi-ledger/internal/models"
	"github.com/javajoker/imi-ledger/internal/services"
	"github.com/javajoker/imi-ledger/internal/utils"
)

type OwnershipHandler struct {
	ledger  *services.OwnershipService
	store   *services.OwnershipStore
	events  *services.EventService
	archive *services.ArchiveService
}

func NewOwnershipHandler(ledger *services.OwnershipService, events *services.EventService, archive *services.ArchiveService) *OwnershipHandler {
	return &OwnershipHandler{
		ledger:  ledger,
		store:   ledger.Store(),
		events:  events,
		archive: archive,
	}
}

type ValidateSplitRequest struct {
	Shares []services.ShareInput `json:"shares"`
}

type ownersResponse struct {
	IPAssetID string                   `json:"ipAssetId"`
	At        *time.Time               `json:"at,omitempty"`
	TotalBps  int                      `json:"totalBps"`
	Owners    []models.OwnershipRecord `json:"owners"`
}

func newOwnersResponse(assetID string, at *time.Time, owners []models.OwnershipRecord) ownersResponse {
	total := 0
	for _, o := range owners {
		total += o.ShareBps
	}
	if owners == nil {
		owners = []models.OwnershipRecord{}
	}
	return ownersResponse{IPAssetID: assetID, At: at, TotalBps: total, Owners: owners}
}

// parseTimeQuery reads an optional RFC 3339 query parameter.
func parseTimeQuery(c *gin.Context, name string) (*time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		lang := utils.GetLangFromContext(c)
		utils.BadRequestResponse(c, i18n.T(lang, i18n.KeyValidationInvalid, name), gin.H{"field": name, "format": "RFC3339"})
		return nil, false
	}
	return &t, true
}

// POST /v1/ownership/validate
func (h *OwnershipHandler) ValidateSplit(c *gin.Context) {
	var req ValidateSplitRequest
	if !bindJSON(c, &req) {
		return
	}

	if err := services.ValidateSplit(req.Shares); err != nil {
		respondError(c, err)
		return
	}

	lang := utils.GetLangFromContext(c)
	utils.SuccessResponse(c, gin.H{
		"valid":   true,
		"message": i18n.T(lang, i18n.KeyOwnershipSplitValid),
	})
}

// GET /v1/ownership/assets/:assetId/owners
func (h *OwnershipHandler) GetOwners(c *gin.Context) {
	assetID := c.Param("assetId")
	at, ok := parseTimeQuery(c, "at")
	if !ok {
		return
	}

	var (
		owners []models.OwnershipRecord
		err    error
	)
	if at != nil {
		owners, err = h.store.GetOwnersAt(c.Request.Context(), assetID, *at)
	} else {
		owners, err = h.store.GetActiveOwners(c.Request.Context(), assetID)
	}
	if err != nil {
		respondError(c, err)
		return
	}

	utils.SuccessResponse(c, newOwnersResponse(assetID, at, owners))
}

// PUT /v1/ownership/assets/:assetId/owners
func (h *OwnershipHandler) SetOwners(c *gin.Context) {
	var req services.SetOwnershipRequest
	if !bindJSON(c, &req) {
		return
	}

	assetID := c.Param("assetId")
	created, err := h.ledger.SetOwnership(c.Request.Context(), actorFromContext(c), assetID, req.Ownerships, req.EffectiveDate)
	if err != nil {
		respondError(c, err)
		return
	}

	lang := utils.GetLangFromContext(c)
	utils.SuccessResponse(c, gin.H{
		"message":    i18n.T(lang, i18n.KeyOwnershipSet),
		"ownerships": created,
	})
}

// GET /v1/ownership/assets/:assetId/history
func (h *OwnershipHandler) GetHistory(c *gin.Context) {
	var creatorID *string
	if v := c.Query("creator_id"); v != "" {
		creatorID = &v
	}

	records, err := h.store.GetHistory(c.Request.Context(), c.Param("assetId"), creatorID)
	if err != nil {
		respondError(c, err)
		return
	}
	if records == nil {
		records = []models.OwnershipRecord{}
	}

	utils.SuccessResponse(c, gin.H{
		"ipAssetId": c.Param("assetId"),
		"records":   records,
	})
}

// POST /v1/ownership/assets/:assetId/transfers
func (h *OwnershipHandler) Transfer(c *gin.Context) {
	var req services.TransferRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.ledger.TransferOwnership(c.Request.Context(), actorFromContext(c), c.Param("assetId"), req)
	if err != nil {
		respondError(c, err)
		return
	}

	lang := utils.GetLangFromContext(c)
	utils.CreatedResponse(c, gin.H{
		"message":  i18n.T(lang, i18n.KeyOwnershipTransferred),
		"transfer": result,
	})
}

// GET /v1/ownership/assets/:assetId/distribution?amount=&at=
func (h *OwnershipHandler) GetDistribution(c *gin.Context) {
	amount, err := strconv.ParseInt(c.Query("amount"), 10, 64)
	if err != nil {
		lang := utils.GetLangFromContext(c)
		utils.BadRequestResponse(c, i18n.T(lang, i18n.KeyValidationInvalid, "amount"), gin.H{"field": "amount"})
		return
	}
	at, ok := parseTimeQuery(c, "at")
	if !ok {
		return
	}

	var when time.Time
	if at != nil {
		when = *at
	}
	result, err := h.store.DistributeAmount(c.Request.Context(), c.Param("assetId"), amount, when)
	if err != nil {
		respondError(c, err)
		return
	}

	utils.SuccessResponse(c, result)
}

// GET /v1/ownership/assets/:assetId/verify
func (h *OwnershipHandler) Verify(c *gin.Context) {
	report, err := h.store.VerifyAsset(c.Request.Context(), c.Param("assetId"))
	if err != nil {
		respondError(c, err)
		return
	}
	utils.SuccessResponse(c, report)
}

// POST /v1/ownership/assets/:assetId/archive
func (h *OwnershipHandler) Archive(c *gin.Context) {
	result, err := h.archive.ArchiveHistory(c.Request.Context(), c.Param("assetId"))
	if err != nil {
		respondError(c, err)
		return
	}

	lang := utils.GetLangFromContext(c)
	utils.CreatedResponse(c, gin.H{
		"message": i18n.T(lang, i18n.KeyOwnershipArchived),
		"archive": result,
	})
}

// GET /v1/ownership/assets/:assetId/events
func (h *OwnershipHandler) GetEvents(c *gin.Context) {
	params := utils.GetPaginationParams(c)

	list, total, err := h.events.ListAssetEvents(c.Request.Context(), c.Param("assetId"), c.Query("event_type"), params)
	if err != nil {
		respondError(c, err)
		return
	}

	utils.PaginatedResponse(c, utils.CreatePaginationResult(list, total, params))
}

// GET /v1/ownership/records/:id
func (h *OwnershipHandler) GetRecord(c *gin.Context) {
	record, err := h.store.GetRecord(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"record": record,
		"state":  record.DisputeState(),
	})
}
