// internal/handlers/errors.go
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/imi-ledger/internal/i18n"
	"github.com/javajoker/imi-ledger/internal/services"
	"github.com/javajoker/imi-ledger/internal/utils"
)

// statusForKind maps a ledger error kind to the HTTP status and API code.
func statusForKind(kind services.ErrorKind) (int, string) {
	switch kind {
	case services.KindSplitValidation, services.KindInvalidInput, services.KindInsufficientOwnership:
		return http.StatusBadRequest, "BAD_REQUEST"
	case services.KindUnauthorizedOwnership:
		return http.StatusForbidden, "FORBIDDEN"
	case services.KindNotFound:
		return http.StatusNotFound, "NOT_FOUND"
	case services.KindOwnershipConflict, services.KindDisputeState:
		return http.StatusConflict, "CONFLICT"
	case services.KindTransientStorage:
		return http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

func respondError(c *gin.Context, err error) {
	_ = c.Error(err)

	var le *services.LedgerError
	if !errors.As(err, &le) {
		logrus.WithError(err).WithField("path", c.FullPath()).Error("Unhandled ledger error")
		utils.InternalErrorResponse(c, "")
		return
	}

	status, code := statusForKind(le.Kind)
	if le.Kind.Retryable() {
		c.Header("Retry-After", "1")
	}

	lang := utils.GetLangFromContext(c)
	utils.APIErrorResponse(c, status, utils.APIError{
		Code:    code,
		Kind:    string(le.Kind),
		Reason:  string(le.Reason),
		Message: i18n.TOr(lang, i18n.ErrorKey(string(le.Reason)), le.Message),
		Details: le.Details,
	})
}

func actorFromContext(c *gin.Context) services.Actor {
	userID, _ := utils.GetUserIDFromContext(c)
	userType, _ := utils.GetUserTypeFromContext(c)
	return services.Actor{ID: userID, IsAdmin: userType == utils.UserTypeAdmin}
}

func bindJSON(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		lang := utils.GetLangFromContext(c)
		utils.BadRequestResponse(c, i18n.T(lang, i18n.KeyValidationInvalid, "input"), err.Error())
		return false
	}
	return true
}
