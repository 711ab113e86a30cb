package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/laviprog/speech-transcription/internal/models"
	"github.com/laviprog/speech-transcription/internal/services"
	"github.com/laviprog/speech-transcription/internal/utils"
)

type TranscriptionHandler struct {
	transcriptions services.TranscriptionService
}

func NewTranscriptionHandler(transcriptions services.TranscriptionService) *TranscriptionHandler {
	return &TranscriptionHandler{transcriptions: transcriptions}
}

// Submit accepts a multipart upload and enqueues a transcription job.
// Responds 202 with the job snapshot, or 429 when the queue is full.
func (h *TranscriptionHandler) Submit(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, "TranscriptionHandler.Submit", "file is required", err))
		return
	}
	defer file.Close()

	opts := services.SubmitOptions{
		Model:            c.PostForm("model"),
		Language:         c.PostForm("language"),
		ResultFormat:     c.PostForm("result_format"),
		AlignMode:        c.PostForm("align_mode") == "true",
		Preprocess:       c.PostForm("preprocess") == "true",
		DevicePreference: c.PostForm("device"),
	}

	snap, err := h.transcriptions.Submit(c.Request.Context(), userID, header.Filename, header.Header.Get("Content-Type"), file, opts)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, snap)
}

func (h *TranscriptionHandler) Status(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	snap, err := h.transcriptions.Status(c.Request.Context(), userID, c.Param("job_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *TranscriptionHandler) Result(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	format, ok := models.ParseResultFormat(c.Query("format"))
	if !ok {
		writeError(c, utils.E(utils.CodeInvalidArgument, "TranscriptionHandler.Result", "unsupported format", nil))
		return
	}

	res, err := h.transcriptions.Result(c.Request.Context(), userID, c.Param("job_id"), format)
	if err != nil {
		writeError(c, err)
		return
	}

	if format == models.FormatSRT {
		c.Header("Content-Type", "application/x-subrip; charset=utf-8")
		c.String(http.StatusOK, res.SRT)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *TranscriptionHandler) History(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	rows, err := h.transcriptions.History(c.Request.Context(), userID, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": rows})
}

func (h *TranscriptionHandler) Cancel(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	if err := h.transcriptions.Cancel(c.Request.Context(), userID, c.Param("job_id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancel_requested"})
}

func (h *TranscriptionHandler) Models(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"models": models.ModelCatalog()})
}

func (h *TranscriptionHandler) Languages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"languages": models.Languages()})
}

// Queue reports scheduler backlog depth. Admin only.
func (h *TranscriptionHandler) Queue(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"depth": h.transcriptions.QueueDepth()})
}

// Reconcile replays unpersisted results into the sink. Admin only.
func (h *TranscriptionHandler) Reconcile(c *gin.Context) {
	n, err := h.transcriptions.Reconcile(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"persisted": strconv.Itoa(n)})
}
