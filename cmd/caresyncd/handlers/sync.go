// Package handlers implements the HTTP endpoints of the sync service.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/caredock/caresync/internal/errors"
	"github.com/caredock/caresync/internal/models"
	coresync "github.com/caredock/caresync/internal/sync"
	"github.com/caredock/caresync/internal/sync/conflict"
	"github.com/caredock/caresync/internal/sync/notify"
	"github.com/caredock/caresync/internal/sync/queue"
)

// SyncHandler serves the /v1/sync endpoints: incremental pull, offline
// queue replay, direct conflict resolution, heartbeats and the pending
// notification pickup path.
type SyncHandler struct {
	engine    coresync.DeltaSyncer
	resolver  *conflict.Resolver
	processor *queue.Processor
	sessions  *coresync.Sessions
	notifier  *notify.Notifier
}

// NewSyncHandler creates a handler over the assembled sync components.
func NewSyncHandler(engine coresync.DeltaSyncer, resolver *conflict.Resolver, processor *queue.Processor, sessions *coresync.Sessions, notifier *notify.Notifier) *SyncHandler {
	return &SyncHandler{
		engine:    engine,
		resolver:  resolver,
		processor: processor,
		sessions:  sessions,
		notifier:  notifier,
	}
}

// Delta handles POST /v1/sync/delta.
func (h *SyncHandler) Delta(c *gin.Context) {
	var req coresync.DeltaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errors.Wrap(errors.ErrValidation, "invalid json body", err))
		return
	}

	resp, err := h.engine.Delta(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

type queueRequest struct {
	DeviceID         string                   `json:"deviceId"`
	UserID           string                   `json:"userId"`
	QueuedOperations []models.QueuedOperation `json:"queuedOperations"`
}

type queueResponse struct {
	Success bool `json:"success"`
	queue.BatchResult
}

// Queue handles POST /v1/sync/queue.
func (h *SyncHandler) Queue(c *gin.Context) {
	var req queueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errors.Wrap(errors.ErrValidation, "invalid json body", err))
		return
	}

	result, err := h.processor.Process(c.Request.Context(), req.DeviceID, req.UserID, req.QueuedOperations)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, queueResponse{Success: true, BatchResult: *result})
}

type conflictRequest struct {
	Collection      string          `json:"collection"`
	DocumentID      string          `json:"documentId"`
	ClientData      models.Document `json:"clientData"`
	ClientTimestamp string          `json:"clientTimestamp"`
	DeviceID        string          `json:"deviceId"`
	UserID          string          `json:"userId"`
}

type conflictResponse struct {
	Success      bool            `json:"success"`
	ResolvedData models.Document `json:"resolved_data"`
	Strategy     string          `json:"strategy"`
	Winner       string          `json:"winner,omitempty"`
	Created      bool            `json:"created,omitempty"`
}

// Conflict handles POST /v1/sync/conflict.
func (h *SyncHandler) Conflict(c *gin.Context) {
	var req conflictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errors.Wrap(errors.ErrValidation, "invalid json body", err))
		return
	}

	clientData := req.ClientData
	if req.ClientTimestamp != "" {
		if _, ok := clientData["updated_at"]; !ok {
			clientData = clientData.Clone()
			clientData["updated_at"] = req.ClientTimestamp
		}
	}

	res, err := h.resolver.Resolve(c.Request.Context(), req.Collection, req.DocumentID, clientData, req.DeviceID, req.UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conflictResponse{
		Success:      true,
		ResolvedData: res.Document,
		Strategy:     res.Strategy,
		Winner:       res.Winner,
		Created:      res.Created,
	})
}

type heartbeatRequest struct {
	DeviceID    string   `json:"deviceId"`
	UserID      string   `json:"userId"`
	Collections []string `json:"collections"`
}

// Heartbeat handles POST /v1/sync/heartbeat.
func (h *SyncHandler) Heartbeat(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errors.Wrap(errors.ErrValidation, "invalid json body", err))
		return
	}

	session, err := h.sessions.Heartbeat(c.Request.Context(), req.DeviceID, req.UserID, req.Collections)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "session": session})
}

// Notifications handles GET /v1/sync/notifications. This is the polling
// path of realtime delivery; devices on a websocket receive the same
// envelopes pushed.
func (h *SyncHandler) Notifications(c *gin.Context) {
	pending, err := h.notifier.Pending(c.Request.Context(), c.Query("deviceId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"notifications": pending,
		"count":         len(pending),
	})
}

type ackRequest struct {
	DeviceID        string   `json:"deviceId"`
	NotificationIDs []string `json:"notificationIds"`
}

// AckNotifications handles POST /v1/sync/notifications/ack.
func (h *SyncHandler) AckNotifications(c *gin.Context) {
	var req ackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errors.Wrap(errors.ErrValidation, "invalid json body", err))
		return
	}

	acked, err := h.notifier.Ack(c.Request.Context(), req.DeviceID, req.NotificationIDs)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "acknowledged": acked})
}

// writeError maps an error code onto an HTTP status and the standard
// failure body {success:false, error, code}.
func writeError(c *gin.Context, err error) {
	code := errors.CodeOf(err)

	status := http.StatusInternalServerError
	switch code {
	case errors.ErrValidation, errors.ErrStrategyNotConfigured, errors.ErrConfig:
		status = http.StatusBadRequest
	case errors.ErrNotFound:
		status = http.StatusNotFound
	case errors.ErrPermission:
		status = http.StatusForbidden
	case errors.ErrDuplicate, errors.ErrConflict, errors.ErrRevisionMismatch:
		status = http.StatusConflict
	}

	c.JSON(status, gin.H{
		"success": false,
		"error":   err.Error(),
		"code":    string(code),
	})
}
