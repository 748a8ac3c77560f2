package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vypdev/vaultstadio-sub008/internal/delta"
	"github.com/vypdev/vaultstadio-sub008/internal/middleware"
	"github.com/vypdev/vaultstadio-sub008/internal/models"
	"github.com/vypdev/vaultstadio-sub008/internal/notify"
	"github.com/vypdev/vaultstadio-sub008/internal/services"
)

type SyncHandler struct {
	svc *services.SyncService
	hub *notify.Hub
	log *zap.Logger
}

// NewSyncHandler wires the sync routes. hub may be nil, which disables the
// websocket feed.
func NewSyncHandler(svc *services.SyncService, hub *notify.Hub, log *zap.Logger) *SyncHandler {
	return &SyncHandler{svc: svc, hub: hub, log: log}
}

type errorBody struct {
	Error          string               `json:"error"`
	Code           string               `json:"code"`
	ServerVersion  *int64               `json:"serverVersion,omitempty"`
	ServerChecksum string               `json:"serverChecksum,omitempty"`
	Conflict       *models.SyncConflict `json:"conflict,omitempty"`
}

type signatureBody struct {
	ItemID        string                  `json:"itemId"`
	BlockSize     int                     `json:"blockSize"`
	VersionNumber int64                   `json:"versionNumber"`
	ContentLength int64                   `json:"contentLength"`
	Blocks        []delta.BlockDescriptor `json:"blocks"`
}

func (h *SyncHandler) RegisterDevice(c *gin.Context) {
	var body services.RegisterDeviceRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.badJSON(c)
		return
	}
	d, err := h.svc.RegisterDevice(c.Request.Context(), middleware.OwnerIDFromContext(c), body)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *SyncHandler) ListDevices(c *gin.Context) {
	activeOnly, _ := strconv.ParseBool(c.Query("activeOnly"))
	devices, err := h.svc.ListDevices(c.Request.Context(), middleware.OwnerIDFromContext(c), activeOnly)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

func (h *SyncHandler) DeactivateDevice(c *gin.Context) {
	d, err := h.svc.DeactivateDevice(c.Request.Context(), middleware.OwnerIDFromContext(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *SyncHandler) RemoveDevice(c *gin.Context) {
	if err := h.svc.RemoveDevice(c.Request.Context(), middleware.OwnerIDFromContext(c), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SyncHandler) Pull(c *gin.Context) {
	var body services.PullRequest
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		h.badJSON(c)
		return
	}
	resp, err := h.svc.Pull(c.Request.Context(), middleware.OwnerIDFromContext(c), body)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *SyncHandler) Push(c *gin.Context) {
	var body services.PushRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.badJSON(c)
		return
	}
	resp, err := h.svc.Push(c.Request.Context(), middleware.OwnerIDFromContext(c), body)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *SyncHandler) ListConflicts(c *gin.Context) {
	conflicts, err := h.svc.ListConflicts(c.Request.Context(), middleware.OwnerIDFromContext(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": conflicts})
}

func (h *SyncHandler) ResolveConflict(c *gin.Context) {
	var body struct {
		Resolution models.Resolution `json:"resolution"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		h.badJSON(c)
		return
	}
	res, err := h.svc.ResolveConflict(c.Request.Context(), middleware.OwnerIDFromContext(c), c.Param("id"), body.Resolution)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *SyncHandler) ConflictContent(c *gin.Context) {
	content, conflict, err := h.svc.ConflictContent(c.Request.Context(), middleware.OwnerIDFromContext(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if conflict.LocalChange.Checksum != "" {
		c.Header("ETag", `"`+conflict.LocalChange.Checksum+`"`)
	}
	c.Data(http.StatusOK, "application/octet-stream", content)
}

func (h *SyncHandler) UpdateDeviceCursor(c *gin.Context) {
	var body struct {
		Cursor *int64 `json:"cursor"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Cursor == nil {
		h.badJSON(c)
		return
	}
	d, err := h.svc.UpdateDeviceCursor(c.Request.Context(), middleware.OwnerIDFromContext(c), c.Param("id"), *body.Cursor)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *SyncHandler) Signature(c *gin.Context) {
	blockSize := int(parseInt64Default(c.Query("blockSize"), 0))
	itemID := c.Param("itemId")
	sig, err := h.svc.Signature(c.Request.Context(), middleware.OwnerIDFromContext(c), itemID, blockSize)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, signatureBody{
		ItemID:        itemID,
		BlockSize:     sig.BlockSize,
		VersionNumber: sig.VersionNumber,
		ContentLength: sig.ContentLength,
		Blocks:        sig.Blocks,
	})
}

func (h *SyncHandler) UploadDelta(c *gin.Context) {
	var body services.UploadDeltaRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.badJSON(c)
		return
	}
	res, err := h.svc.UploadDelta(c.Request.Context(), middleware.OwnerIDFromContext(c), c.Param("itemId"), body)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *SyncHandler) Content(c *gin.Context) {
	content, item, err := h.svc.Content(c.Request.Context(), middleware.OwnerIDFromContext(c), c.Param("itemId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Header("X-Item-Version", strconv.FormatInt(item.Version, 10))
	c.Header("ETag", `"`+item.Checksum+`"`)
	c.Data(http.StatusOK, "application/octet-stream", content)
}

func (h *SyncHandler) Websocket(c *gin.Context) {
	if h.hub == nil {
		c.JSON(http.StatusNotFound, errorBody{Error: "websocket feed disabled", Code: "NOT_FOUND"})
		return
	}
	h.hub.Serve(c.Writer, c.Request, middleware.OwnerIDFromContext(c))
}

func (h *SyncHandler) badJSON(c *gin.Context) {
	c.JSON(http.StatusBadRequest, errorBody{Error: "invalid json body", Code: "INVALID_INPUT"})
}

func (h *SyncHandler) writeError(c *gin.Context, err error) {
	code := services.ErrorCode(err)
	body := errorBody{Error: err.Error(), Code: code}

	var conflict *services.ConflictError
	if errors.As(err, &conflict) {
		v := conflict.ServerVersion
		body.ServerVersion = &v
		body.ServerChecksum = conflict.ServerChecksum
		body.Conflict = conflict.Conflict
	}
	if code == "INTERNAL" {
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		body.Error = "internal error"
	}
	c.JSON(statusFor(code), body)
}

func statusFor(code string) int {
	switch code {
	case "NOT_FOUND":
		return http.StatusNotFound
	case "STALE_BASE", "CONFLICT_ALREADY_RESOLVED":
		return http.StatusConflict
	case "CHECKSUM_MISMATCH":
		return http.StatusUnprocessableEntity
	case "MALFORMED_DELTA", "INVALID_INPUT":
		return http.StatusBadRequest
	case "STORAGE_UNAVAILABLE":
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func parseInt64Default(v string, fallback int64) int64 {
	if i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
		return i
	}
	return fallback
}
