package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/dripsynclabs/dripsync/internal/ledger"
	"github.com/dripsynclabs/dripsync/internal/prefs"
	"github.com/dripsynclabs/dripsync/internal/schedule"
	"github.com/dripsynclabs/dripsync/internal/sync"
)

var (
	errMissingLedgerStore = errors.New("ledger store dependency is required")
	errMissingPrefsStore  = errors.New("preference store dependency is required")
	errMissingPublisher   = errors.New("publisher dependency is required")
	errInvalidIdentity    = errors.New("node identity must be PRIMARY or COMPANION")
)

// Dependencies wires the HTTP surface to the core. The UI issues write
// commands and consumes reactive reads here; the local store is
// authoritative for immediate feedback, replicated data is eventually
// consistent. Identity is the origin stamped on every record created here;
// clients never choose it, so a created record is always distinguishable
// from the peer's and survives the peer's echo suppression.
type Dependencies struct {
	Ledger    *ledger.Store
	Prefs     *prefs.Store
	Publisher *sync.Publisher
	Worker    *sync.Worker
	Identity  ledger.Origin
	Logger    *zap.Logger
}

// NewHTTPHandler builds the gin handler for one node.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Ledger == nil {
		return nil, errMissingLedgerStore
	}
	if deps.Prefs == nil {
		return nil, errMissingPrefsStore
	}
	if deps.Publisher == nil {
		return nil, errMissingPublisher
	}
	if deps.Identity != ledger.OriginPrimary && deps.Identity != ledger.OriginCompanion {
		return nil, errInvalidIdentity
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		ledger:    deps.Ledger,
		prefs:     deps.Prefs,
		publisher: deps.Publisher,
		worker:    deps.Worker,
		identity:  deps.Identity,
		logger:    logger,
	}

	router.POST("/records", handler.handleCreateRecord)
	router.DELETE("/records/:id", handler.handleDeleteRecord)
	router.GET("/records", handler.handleListRecords)
	router.GET("/summary/today", handler.handleTodaySummary)
	router.GET("/summary/today/stream", handler.handleTodayStream)
	router.GET("/preferences", handler.handleGetPreferences)
	router.PUT("/preferences/goal", handler.handleSetGoal)
	router.PUT("/preferences/presets/:index", handler.handleSetPreset)
	router.GET("/export/unsynced", handler.handleListUnsynced)
	router.POST("/export/synced", handler.handleMarkSynced)
	router.GET("/stats/hourly", handler.handleHourlyStats)

	return router, nil
}

type httpHandler struct {
	ledger    *ledger.Store
	prefs     *prefs.Store
	publisher *sync.Publisher
	worker    *sync.Worker
	identity  ledger.Origin
	logger    *zap.Logger
}

type recordPayload struct {
	ID               string `json:"id"`
	AmountML         int64  `json:"amount_ml"`
	Beverage         string `json:"beverage"`
	RecordedAtMillis int64  `json:"recorded_at_ms"`
	Origin           string `json:"origin"`
	ExternalSynced   bool   `json:"external_synced"`
	ExternalID       string `json:"external_id,omitempty"`
}

func toRecordPayload(record ledger.Record) recordPayload {
	return recordPayload{
		ID:               record.ID,
		AmountML:         record.AmountML,
		Beverage:         string(record.Beverage),
		RecordedAtMillis: record.RecordedAtMillis,
		Origin:           string(record.Origin),
		ExternalSynced:   record.ExternalSynced,
		ExternalID:       record.ExternalID,
	}
}

type createRecordRequest struct {
	AmountML int64  `json:"amount_ml" binding:"required,gt=0"`
	Beverage string `json:"beverage"`
}

func (h *httpHandler) handleCreateRecord(c *gin.Context) {
	var request createRecordRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	amount, err := ledger.NewAmountML(request.AmountML)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount"})
		return
	}
	beverage := ledger.BeverageWater
	if request.Beverage != "" {
		if beverage, err = ledger.ParseBeverage(request.Beverage); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_beverage"})
			return
		}
	}

	// Origin is this node's identity; the caller never chooses it.
	record, err := h.ledger.CreateRecord(c.Request.Context(), amount, beverage, h.identity)
	if err != nil {
		h.logger.Error("record creation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}

	// The write succeeded locally; publication is fire-and-forget relative
	// to the caller, and any failure is the reconciliation worker's to
	// retry.
	h.publishRecordAsync(record)

	c.JSON(http.StatusCreated, toRecordPayload(record))
}

func (h *httpHandler) handleDeleteRecord(c *gin.Context) {
	id, err := ledger.NewRecordID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_record_id"})
		return
	}

	// Deletes stay local; peers are not told and reconciliation from the
	// other node can resurrect the record.
	if err := h.ledger.Delete(c.Request.Context(), id); err != nil {
		h.logger.Error("record deletion failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListRecords(c *gin.Context) {
	start, end, err := h.requestedDayRange(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_date"})
		return
	}

	records, err := h.ledger.QueryRange(c.Request.Context(), start, end)
	if err != nil {
		h.logger.Error("range query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}

	payload := make([]recordPayload, 0, len(records))
	for _, record := range records {
		payload = append(payload, toRecordPayload(record))
	}
	c.JSON(http.StatusOK, gin.H{"records": payload})
}

func (h *httpHandler) handleTodaySummary(c *gin.Context) {
	start, end := h.ledger.TodayRange()
	total, err := h.ledger.SumRange(c.Request.Context(), start, end)
	if err != nil {
		h.logger.Error("sum query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	snapshot, err := h.prefs.Get(c.Request.Context())
	if err != nil {
		h.logger.Error("preference read failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}

	date := start.Format("2006-01-02")
	c.JSON(http.StatusOK, schedule.NewDailySummary(date, total, snapshot.DailyGoalML))
}

// handleTodayStream serves the reactive summary as server-sent events: one
// immediate value, then one per change to today's records or to the goal.
func (h *httpHandler) handleTodayStream(c *gin.Context) {
	ctx := c.Request.Context()
	start, end := h.ledger.TodayRange()

	sums, cancelSums := h.ledger.SubscribeSum(ctx, start, end)
	defer cancelSums()
	snapshots, cancelPrefs := h.prefs.Subscribe(ctx)
	defer cancelPrefs()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Flush()

	date := start.Format("2006-01-02")
	var total, goal int64
	haveTotal, haveGoal := false, false

	for {
		select {
		case <-ctx.Done():
			return
		case value, ok := <-sums:
			if !ok {
				return
			}
			total = value
			haveTotal = true
		case snapshot, ok := <-snapshots:
			if !ok {
				return
			}
			goal = snapshot.DailyGoalML
			haveGoal = true
		}
		if !haveTotal || !haveGoal {
			continue
		}
		summary := schedule.NewDailySummary(date, total, goal)
		c.SSEvent("summary", summary)
		c.Writer.Flush()
	}
}

type preferencesPayload struct {
	DailyGoalML int64   `json:"daily_goal_ml"`
	PresetsML   []int64 `json:"presets_ml"`
}

func toPreferencesPayload(snapshot prefs.Snapshot) preferencesPayload {
	return preferencesPayload{
		DailyGoalML: snapshot.DailyGoalML,
		PresetsML:   snapshot.PresetsML[:],
	}
}

func (h *httpHandler) handleGetPreferences(c *gin.Context) {
	snapshot, err := h.prefs.Get(c.Request.Context())
	if err != nil {
		h.logger.Error("preference read failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	c.JSON(http.StatusOK, toPreferencesPayload(snapshot))
}

type setGoalRequest struct {
	GoalML int64 `json:"goal_ml" binding:"required,gt=0"`
}

func (h *httpHandler) handleSetGoal(c *gin.Context) {
	var request setGoalRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	snapshot, err := h.prefs.SetDailyGoal(c.Request.Context(), request.GoalML)
	if err != nil {
		h.logger.Error("goal update failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
		return
	}

	h.publishPreferencesAsync(snapshot)
	c.JSON(http.StatusOK, toPreferencesPayload(snapshot))
}

type setPresetRequest struct {
	AmountML int64 `json:"amount_ml" binding:"required,gt=0"`
}

func (h *httpHandler) handleSetPreset(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_preset_index"})
		return
	}
	var request setPresetRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	snapshot, err := h.prefs.SetPreset(c.Request.Context(), index, request.AmountML)
	if err != nil {
		if errors.Is(err, prefs.ErrInvalidPresetIndex) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_preset_index"})
			return
		}
		h.logger.Error("preset update failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
		return
	}

	h.publishPreferencesAsync(snapshot)
	c.JSON(http.StatusOK, toPreferencesPayload(snapshot))
}

func (h *httpHandler) handleListUnsynced(c *gin.Context) {
	records, err := h.ledger.ListUnsynced(c.Request.Context())
	if err != nil {
		h.logger.Error("unsynced listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}

	payload := make([]recordPayload, 0, len(records))
	for _, record := range records {
		payload = append(payload, toRecordPayload(record))
	}
	c.JSON(http.StatusOK, gin.H{"records": payload})
}

type markSyncedRequest struct {
	RecordID   string `json:"record_id" binding:"required"`
	ExternalID string `json:"external_id" binding:"required"`
}

func (h *httpHandler) handleMarkSynced(c *gin.Context) {
	var request markSyncedRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	id, err := ledger.NewRecordID(request.RecordID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_record_id"})
		return
	}

	if err := h.ledger.MarkExternallySynced(c.Request.Context(), id, request.ExternalID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "record_not_found"})
			return
		}
		h.logger.Error("mark synced failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleHourlyStats(c *gin.Context) {
	start, end, err := h.requestedDayRange(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_date"})
		return
	}

	records, err := h.ledger.QueryRange(c.Request.Context(), start, end)
	if err != nil {
		h.logger.Error("range query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	snapshot, err := h.prefs.Get(c.Request.Context())
	if err != nil {
		h.logger.Error("preference read failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}

	points := schedule.HourlyPoints(records, snapshot.DailyGoalML, start, h.ledger.Location())
	c.JSON(http.StatusOK, gin.H{"points": points})
}

func (h *httpHandler) requestedDayRange(c *gin.Context) (time.Time, time.Time, error) {
	raw := c.Query("date")
	if raw == "" {
		start, end := h.ledger.TodayRange()
		return start, end, nil
	}
	day, err := time.ParseInLocation("2006-01-02", raw, h.ledger.Location())
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	start, end := ledger.DayRange(day, h.ledger.Location())
	return start, end, nil
}

const publishTimeout = 10 * time.Second

// kickWorker requests a reconciliation pass after a local write. The direct
// publish usually covers the new value; the pass also re-drives anything
// older that is still unpublished.
func (h *httpHandler) kickWorker() {
	if h.worker != nil {
		h.worker.Kick()
	}
}

func newPublishContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), publishTimeout)
}

func (h *httpHandler) publishRecordAsync(record ledger.Record) {
	go func() {
		ctx, cancel := newPublishContext()
		defer cancel()
		if err := h.publisher.PublishRecord(ctx, record); err != nil {
			h.logger.Warn("record publish deferred to reconciliation",
				zap.String("record_id", record.ID),
				zap.Error(err))
		}
		h.kickWorker()
	}()
}

func (h *httpHandler) publishPreferencesAsync(snapshot prefs.Snapshot) {
	go func() {
		ctx, cancel := newPublishContext()
		defer cancel()
		if err := h.publisher.PublishPreferences(ctx, snapshot); err != nil {
			h.logger.Warn("preference publish deferred to reconciliation", zap.Error(err))
		}
		h.kickWorker()
	}()
}
