package dashboard

import (
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alexiokay/freshandtidy-backend-zipcodes-update/internal/pipeline"
	"github.com/alexiokay/freshandtidy-backend-zipcodes-update/internal/sync"
)

// Handler turns coordinator run results into dashboard messages.
// It bridges between the daemon's run loop and the WebSocket server.
type Handler struct {
	server *Server
	logger *logrus.Logger

	// Statistics tracking
	stats *StatsData
}

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Handler{
		server: server,
		logger: logger,
		stats:  &StatsData{},
	}
}

// OnRunStarted handles run start events. Runs never overlap, so clients
// pair each start with the next completed or failed event.
func (h *Handler) OnRunStarted(trigger string) {
	data := RunStartedData{Trigger: trigger}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.WithError(err).Error("marshaling run start data")
		return
	}

	h.server.Broadcast(Message{
		Type:      MessageTypeRunStarted,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}

// OnRunCompleted handles successful run results
func (h *Handler) OnRunCompleted(result sync.Result) {
	// Update statistics
	h.stats.TotalRuns++
	switch result.Outcome {
	case sync.OutcomeRefreshed:
		h.stats.Refreshed++
		h.stats.LastRows = result.Rows
		h.stats.LastRefresh = time.Now()
	case sync.OutcomeUpToDate:
		h.stats.UpToDate++
	}
	h.stats.LastOutcome = result.Outcome.String()
	h.stats.LastError = ""

	data := RunCompletedData{
		RunID:        result.RunID,
		Outcome:      result.Outcome.String(),
		Rows:         result.Rows,
		LastModified: result.RemoteLastModified,
		Duration:     result.Elapsed,
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.WithError(err).Error("marshaling run result")
		return
	}

	h.server.Broadcast(Message{
		Type:      MessageTypeRunCompleted,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})

	// A drift the policy let through still gets its own event so
	// monitoring sees the mismatch, not just the row count.
	if result.Drift != nil {
		h.broadcastDrift(result.RunID, result.Drift)
	}

	h.broadcastStats()
}

// OnRunFailed handles failed run results
func (h *Handler) OnRunFailed(result sync.Result, err error) {
	// Update statistics
	h.stats.TotalRuns++
	h.stats.Failed++
	h.stats.LastOutcome = sync.OutcomeFailed.String()
	h.stats.LastError = err.Error()

	data := RunFailedData{
		RunID:    result.RunID,
		Kind:     pipeline.Kind(err),
		Error:    err.Error(),
		Duration: result.Elapsed,
	}

	dataJSON, marshalErr := json.Marshal(data)
	if marshalErr != nil {
		h.logger.WithError(marshalErr).Error("marshaling run failure")
		return
	}

	h.server.Broadcast(Message{
		Type:      MessageTypeRunFailed,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})

	if drift, ok := pipeline.AsSchemaDrift(err); ok {
		h.broadcastDrift(result.RunID, drift)
	}

	h.broadcastStats()
}

// broadcastDrift reports a column-set mismatch with both sets attached
func (h *Handler) broadcastDrift(runID string, drift *pipeline.SchemaDriftError) {
	data := SchemaDriftData{
		RunID:         runID,
		ExportColumns: drift.ExportColumns,
		TableColumns:  drift.TableColumns,
		Missing:       drift.Missing(),
		Extra:         drift.Extra(),
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.WithError(err).Error("marshaling drift data")
		return
	}

	h.server.Broadcast(Message{
		Type:      MessageTypeSchemaDrift,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}

// broadcastStats sends current statistics to all clients
func (h *Handler) broadcastStats() {
	dataJSON, err := json.Marshal(h.stats)
	if err != nil {
		h.logger.WithError(err).Error("marshaling stats")
		return
	}

	h.server.Broadcast(Message{
		Type:      MessageTypeStats,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}

// UpdateStats recomputes statistics from persisted run history so a
// restarted daemon does not present an empty dashboard. Accepts the
// newest-first ordering the metadata store returns.
func (h *Handler) UpdateStats(runs []pipeline.RunRecord) {
	stats := &StatsData{}

	// Walk oldest to newest so the "last" fields settle on the most
	// recent run.
	for i := len(runs) - 1; i >= 0; i-- {
		rec := runs[i]
		stats.TotalRuns++
		switch rec.Outcome {
		case sync.OutcomeRefreshed.String():
			stats.Refreshed++
			stats.LastRows = rec.Rows
			stats.LastRefresh = rec.FinishedAt
		case sync.OutcomeUpToDate.String():
			stats.UpToDate++
		case sync.OutcomeFailed.String():
			stats.Failed++
		}
		stats.LastOutcome = rec.Outcome
		stats.LastError = rec.Error
	}

	h.stats = stats
	h.broadcastStats()
}

// GetStats returns the current statistics
func (h *Handler) GetStats() StatsData {
	return *h.stats
}
