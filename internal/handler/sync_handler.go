package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noah-isme/campus-cal-sync/internal/service"
	appErrors "github.com/noah-isme/campus-cal-sync/pkg/errors"
)

// SyncHandler exposes the reconciler over the ops HTTP surface.
type SyncHandler struct {
	svc    *service.SyncService
	logger *zap.Logger
}

// NewSyncHandler constructs a sync handler.
func NewSyncHandler(svc *service.SyncService, logger *zap.Logger) *SyncHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncHandler{svc: svc, logger: logger}
}

// Sync triggers one incremental pass and returns its report.
func (h *SyncHandler) Sync(c *gin.Context) {
	report, err := h.svc.IncrementalSync(c.Request.Context())
	if err != nil {
		appErr := appErrors.FromError(err)
		h.logger.Sugar().Errorw("sync run failed", "error", err)
		c.JSON(appErr.Status, gin.H{"error": appErr, "report": report})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// Reset triggers a destructive wipe-and-repopulate pass.
func (h *SyncHandler) Reset(c *gin.Context) {
	report, err := h.svc.FullReset(c.Request.Context())
	if err != nil {
		appErr := appErrors.FromError(err)
		h.logger.Sugar().Errorw("reset run failed", "error", err)
		c.JSON(appErr.Status, gin.H{"error": appErr, "report": report})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// FixIDs runs the null-sink-id maintenance sweep.
func (h *SyncHandler) FixIDs(c *gin.Context) {
	fixed, err := h.svc.FixStuckEntries(c.Request.Context())
	if err != nil {
		appErr := appErrors.FromError(err)
		c.JSON(appErr.Status, gin.H{"error": appErr})
		return
	}
	c.JSON(http.StatusOK, gin.H{"fixed": fixed})
}
