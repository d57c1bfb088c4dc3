package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/caredock/caresync/internal/export"
)

// ArchiveHandler triggers audit archive runs on demand, outside the
// scheduler's cadence.
type ArchiveHandler struct {
	service export.ServiceInterface
}

// NewArchiveHandler creates a handler over the archive service.
func NewArchiveHandler(service export.ServiceInterface) *ArchiveHandler {
	return &ArchiveHandler{service: service}
}

type archiveResponse struct {
	Success     bool   `json:"success"`
	FilePath    string `json:"file_path,omitempty"`
	SizeBytes   int64  `json:"size_bytes"`
	RowCount    int    `json:"row_count"`
	Checksum    string `json:"checksum,omitempty"`
	Encrypted   bool   `json:"encrypted"`
	Destination string `json:"destination,omitempty"`
	DurationMS  int64  `json:"duration_ms"`
}

// Run handles POST /v1/archive/run.
func (h *ArchiveHandler) Run(c *gin.Context) {
	result, err := h.service.Run(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, archiveResponse{
		Success:     true,
		FilePath:    result.FilePath,
		SizeBytes:   result.SizeBytes,
		RowCount:    result.RowCount,
		Checksum:    result.Checksum,
		Encrypted:   result.Encrypted,
		Destination: result.Destination,
		DurationMS:  result.Duration.Milliseconds(),
	})
}
