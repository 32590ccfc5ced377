package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"change-sync/internal/account"
	"change-sync/internal/middleware"
	"change-sync/internal/models"
	"change-sync/internal/services"
)

type SyncHandler struct {
	svc        *services.SyncService
	streamPing time.Duration
}

func NewSyncHandler(svc *services.SyncService, streamPing time.Duration) *SyncHandler {
	if streamPing <= 0 {
		streamPing = 25 * time.Second
	}
	return &SyncHandler{svc: svc, streamPing: streamPing}
}

func (h *SyncHandler) Push(c *gin.Context) {
	var req services.PushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json body"})
		return
	}
	res, err := h.svc.Push(c.Request.Context(), middleware.AccountIDFromContext(c), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *SyncHandler) Pull(c *gin.Context) {
	var req services.PullRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json body"})
		return
	}
	res, err := h.svc.Pull(c.Request.Context(), middleware.AccountIDFromContext(c), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if res.Changes == nil {
		res.Changes = []models.ChangeEntry{}
	}
	c.JSON(http.StatusOK, res)
}

func (h *SyncHandler) Status(c *gin.Context) {
	res, err := h.svc.Status(c.Request.Context(), h.resolveAccount(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if res.Devices == nil {
		res.Devices = []models.Device{}
	}
	c.JSON(http.StatusOK, res)
}

func (h *SyncHandler) Pending(c *gin.Context) {
	res, err := h.svc.Pending(c.Request.Context(), h.resolveAccount(c), deviceParam(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if res.Changes == nil {
		res.Changes = []models.Hint{}
	}
	c.JSON(http.StatusOK, res)
}

// Message is the client-to-server half of the realtime channel: ack and ping
// envelopes arrive here regardless of which framing delivers the downstream
// events.
func (h *SyncHandler) Message(c *gin.Context) {
	var msg models.ClientMessage
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json body"})
		return
	}
	switch msg.Type {
	case "ack":
		acked, err := h.svc.Acknowledge(c.Request.Context(), h.resolveAccount(c), msg.DeviceID, msg.Sequence)
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"type": "ack", "deviceId": msg.DeviceID, "lastAckedSequence": acked})
	case "ping", "pong":
		c.JSON(http.StatusOK, gin.H{"type": "pong"})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown message type"})
	}
}

// Stream attaches the device and serves the realtime channel over SSE:
// one "connected" event, then "sync_update" events as pushes land, with
// periodic pings. A dropped connection detaches the session; the backlog is
// unaffected.
func (h *SyncHandler) Stream(c *gin.Context) {
	accountID := h.resolveAccount(c)
	deviceID := deviceParam(c)
	res, err := h.svc.Attach(
		c.Request.Context(),
		accountID,
		deviceID,
		middleware.UserIDFromContext(c),
		strings.TrimSpace(c.Query("device_name")),
		strings.TrimSpace(c.Query("platform")),
	)
	if err != nil {
		h.writeError(c, err)
		return
	}
	// Detach must not be tied to the request context; it runs because the
	// request ended.
	defer func() {
		_ = h.svc.Detach(context.Background(), accountID, res.Session.SessionID, deviceID)
	}()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.SSEvent("connected", models.ConnectedMessage{
		Type:            "connected",
		SessionID:       res.Session.SessionID,
		CurrentSequence: res.CurrentSequence,
		PendingChanges:  res.Pending,
	})
	c.Writer.Flush()

	ping := time.NewTicker(h.streamPing)
	defer ping.Stop()
	for {
		select {
		case hints, ok := <-res.Session.Hints():
			if !ok {
				return
			}
			c.SSEvent("sync_update", models.SyncUpdateMessage{Type: "sync_update", Changes: hints})
			c.Writer.Flush()
		case <-ping.C:
			c.SSEvent("ping", gin.H{"type": "ping"})
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}

// deviceParam accepts both query spellings clients use.
func deviceParam(c *gin.Context) string {
	if v := strings.TrimSpace(c.Query("device_id")); v != "" {
		return v
	}
	return strings.TrimSpace(c.Query("deviceId"))
}

// resolveAccount picks the account for endpoints without a request body:
// header first, query second, the single-tenant default last.
func (h *SyncHandler) resolveAccount(c *gin.Context) string {
	if v := middleware.AccountIDFromContext(c); v != "" {
		return v
	}
	if v := strings.TrimSpace(c.Query("account_id")); v != "" {
		return v
	}
	return "default"
}

func (h *SyncHandler) writeError(c *gin.Context, err error) {
	var (
		validation *services.ValidationError
		mismatch   *services.AccountMismatchError
		persist    *account.PersistenceError
	)
	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": validation.Msg})
	case errors.As(err, &mismatch):
		c.JSON(http.StatusForbidden, gin.H{"error": mismatch.Error()})
	case errors.Is(err, account.ErrUnknownDevice):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown device"})
	case errors.As(err, &persist):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "persistence failure"})
	case errors.Is(err, account.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}
