package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"

	"github.com/alexiokay/freshandtidy-backend-zipcodes-update/internal/pipeline"
	syncpkg "github.com/alexiokay/freshandtidy-backend-zipcodes-update/internal/sync"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// startServer brings up a dashboard on a random port and tears it down
// with the test.
func startServer(t *testing.T) *Server {
	t.Helper()

	server := NewServer(&Config{
		Addr:   "127.0.0.1:0",
		Logger: testLogger(),
	})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() {
		if err := server.Stop(); err != nil {
			t.Errorf("Failed to stop server: %v", err)
		}
	})

	return server
}

// dialClient connects a WebSocket client and consumes the welcome
// message every new connection receives.
func dialClient(ctx context.Context, t *testing.T, server *Server) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	})

	welcome := readMessage(ctx, t, conn)
	if welcome.Type != MessageTypeStats {
		t.Fatalf("Expected welcome message type %s, got %s", MessageTypeStats, welcome.Type)
	}

	return conn
}

func readMessage(ctx context.Context, t *testing.T, conn *websocket.Conn) Message {
	t.Helper()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{
		Addr:   "127.0.0.1:0",
		Logger: testLogger(),
	})

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}

	if addr := server.GetAddr(); addr == "" {
		t.Fatal("Server address is empty")
	}

	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestWebSocketConnection(t *testing.T) {
	server := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dialClient(ctx, t, server)

	if count := server.ClientCount(); count != 1 {
		t.Errorf("Expected 1 client, got %d", count)
	}
}

func TestMultipleClients(t *testing.T) {
	server := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	numClients := 3
	for i := 0; i < numClients; i++ {
		dialClient(ctx, t, server)
	}

	if count := server.ClientCount(); count != numClients {
		t.Errorf("Expected %d clients, got %d", numClients, count)
	}
}

func TestMessageBroadcast(t *testing.T) {
	server := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialClient(ctx, t, server)

	testData := RunCompletedData{
		RunID:    "run-test",
		Outcome:  "refreshed",
		Rows:     1234,
		Duration: 2 * time.Second,
	}

	dataJSON, _ := json.Marshal(testData)
	server.Broadcast(Message{
		Type:      MessageTypeRunCompleted,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})

	received := readMessage(ctx, t, conn)
	if received.Type != MessageTypeRunCompleted {
		t.Errorf("Expected message type %s, got %s", MessageTypeRunCompleted, received.Type)
	}

	var receivedData RunCompletedData
	if err := json.Unmarshal(received.Data, &receivedData); err != nil {
		t.Fatalf("Failed to unmarshal run data: %v", err)
	}

	if receivedData.RunID != testData.RunID {
		t.Errorf("Expected run ID %s, got %s", testData.RunID, receivedData.RunID)
	}
	if receivedData.Rows != testData.Rows {
		t.Errorf("Expected %d rows, got %d", testData.Rows, receivedData.Rows)
	}
}

func TestHandlerRunCompleted(t *testing.T) {
	server := startServer(t)
	handler := NewHandler(server, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialClient(ctx, t, server)

	handler.OnRunCompleted(syncpkg.Result{
		RunID:              "run-1",
		Outcome:            syncpkg.OutcomeRefreshed,
		RemoteLastModified: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Rows:               912345,
		Elapsed:            3 * time.Second,
	})

	msg := readMessage(ctx, t, conn)
	if msg.Type != MessageTypeRunCompleted {
		t.Errorf("Expected message type %s, got %s", MessageTypeRunCompleted, msg.Type)
	}

	var runData RunCompletedData
	if err := json.Unmarshal(msg.Data, &runData); err != nil {
		t.Fatalf("Failed to unmarshal run data: %v", err)
	}
	if runData.Outcome != "refreshed" {
		t.Errorf("Expected outcome refreshed, got %s", runData.Outcome)
	}
	if runData.Rows != 912345 {
		t.Errorf("Expected 912345 rows, got %d", runData.Rows)
	}

	msg = readMessage(ctx, t, conn)
	if msg.Type != MessageTypeStats {
		t.Errorf("Expected message type %s, got %s", MessageTypeStats, msg.Type)
	}

	var stats StatsData
	if err := json.Unmarshal(msg.Data, &stats); err != nil {
		t.Fatalf("Failed to unmarshal stats: %v", err)
	}
	if stats.TotalRuns != 1 || stats.Refreshed != 1 {
		t.Errorf("Expected 1 run / 1 refresh, got %d / %d", stats.TotalRuns, stats.Refreshed)
	}
	if stats.LastRows != 912345 {
		t.Errorf("Expected last rows 912345, got %d", stats.LastRows)
	}

	// An up-to-date run counts separately and keeps the refresh stats.
	handler.OnRunCompleted(syncpkg.Result{
		RunID:   "run-2",
		Outcome: syncpkg.OutcomeUpToDate,
	})

	readMessage(ctx, t, conn) // run_completed

	got := handler.GetStats()
	if got.TotalRuns != 2 || got.UpToDate != 1 || got.Refreshed != 1 {
		t.Errorf("Unexpected stats after up-to-date run: %+v", got)
	}
	if got.LastOutcome != "up_to_date" {
		t.Errorf("Expected last outcome up_to_date, got %s", got.LastOutcome)
	}
	if got.LastRows != 912345 {
		t.Errorf("Up-to-date run should not clear last rows, got %d", got.LastRows)
	}
}

func TestHandlerRunFailed(t *testing.T) {
	server := startServer(t)
	handler := NewHandler(server, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialClient(ctx, t, server)

	runErr := fmt.Errorf("running import stage: %w", pipeline.ErrConversion)
	handler.OnRunFailed(syncpkg.Result{
		RunID:   "run-3",
		Outcome: syncpkg.OutcomeFailed,
		Elapsed: time.Second,
	}, runErr)

	msg := readMessage(ctx, t, conn)
	if msg.Type != MessageTypeRunFailed {
		t.Errorf("Expected message type %s, got %s", MessageTypeRunFailed, msg.Type)
	}

	var failData RunFailedData
	if err := json.Unmarshal(msg.Data, &failData); err != nil {
		t.Fatalf("Failed to unmarshal failure data: %v", err)
	}
	if failData.Kind != "conversion" {
		t.Errorf("Expected kind conversion, got %s", failData.Kind)
	}
	if failData.Error == "" {
		t.Error("Expected failure text to be carried")
	}

	msg = readMessage(ctx, t, conn)
	if msg.Type != MessageTypeStats {
		t.Errorf("Expected message type %s, got %s", MessageTypeStats, msg.Type)
	}

	var stats StatsData
	if err := json.Unmarshal(msg.Data, &stats); err != nil {
		t.Fatalf("Failed to unmarshal stats: %v", err)
	}
	if stats.Failed != 1 {
		t.Errorf("Expected 1 failure, got %d", stats.Failed)
	}
	if stats.LastError == "" {
		t.Error("Expected last error to be set")
	}
}

func TestHandlerSchemaDrift(t *testing.T) {
	server := startServer(t)
	handler := NewHandler(server, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialClient(ctx, t, server)

	drift := pipeline.NewSchemaDriftError(
		[]string{"postcode", "city", "street"},
		[]string{"postcode", "city", "region"},
	)

	// A drift the policy let through rides along with the completed run.
	handler.OnRunCompleted(syncpkg.Result{
		RunID:   "run-4",
		Outcome: syncpkg.OutcomeRefreshed,
		Rows:    10,
		Drift:   drift,
	})

	if msg := readMessage(ctx, t, conn); msg.Type != MessageTypeRunCompleted {
		t.Errorf("Expected message type %s, got %s", MessageTypeRunCompleted, msg.Type)
	}

	msg := readMessage(ctx, t, conn)
	if msg.Type != MessageTypeSchemaDrift {
		t.Errorf("Expected message type %s, got %s", MessageTypeSchemaDrift, msg.Type)
	}

	var driftData SchemaDriftData
	if err := json.Unmarshal(msg.Data, &driftData); err != nil {
		t.Fatalf("Failed to unmarshal drift data: %v", err)
	}
	if !reflect.DeepEqual(driftData.ExportColumns, []string{"city", "postcode", "street"}) {
		t.Errorf("Unexpected export columns: %v", driftData.ExportColumns)
	}
	if !reflect.DeepEqual(driftData.TableColumns, []string{"city", "postcode", "region"}) {
		t.Errorf("Unexpected table columns: %v", driftData.TableColumns)
	}
	if !reflect.DeepEqual(driftData.Missing, []string{"region"}) {
		t.Errorf("Unexpected missing columns: %v", driftData.Missing)
	}
	if !reflect.DeepEqual(driftData.Extra, []string{"street"}) {
		t.Errorf("Unexpected extra columns: %v", driftData.Extra)
	}

	if msg := readMessage(ctx, t, conn); msg.Type != MessageTypeStats {
		t.Errorf("Expected message type %s, got %s", MessageTypeStats, msg.Type)
	}

	// Under the abort policy the drift arrives inside the failure.
	handler.OnRunFailed(syncpkg.Result{
		RunID:   "run-5",
		Outcome: syncpkg.OutcomeFailed,
	}, fmt.Errorf("loading gov_data: %w", drift))

	if msg := readMessage(ctx, t, conn); msg.Type != MessageTypeRunFailed {
		t.Errorf("Expected message type %s, got %s", MessageTypeRunFailed, msg.Type)
	}
	if msg := readMessage(ctx, t, conn); msg.Type != MessageTypeSchemaDrift {
		t.Errorf("Expected message type %s, got %s", MessageTypeSchemaDrift, msg.Type)
	}
	if msg := readMessage(ctx, t, conn); msg.Type != MessageTypeStats {
		t.Errorf("Expected message type %s, got %s", MessageTypeStats, msg.Type)
	}
}

func TestHandlerRunStarted(t *testing.T) {
	server := startServer(t)
	handler := NewHandler(server, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialClient(ctx, t, server)

	handler.OnRunStarted("schedule")

	msg := readMessage(ctx, t, conn)
	if msg.Type != MessageTypeRunStarted {
		t.Errorf("Expected message type %s, got %s", MessageTypeRunStarted, msg.Type)
	}

	var startData RunStartedData
	if err := json.Unmarshal(msg.Data, &startData); err != nil {
		t.Fatalf("Failed to unmarshal start data: %v", err)
	}
	if startData.Trigger != "schedule" {
		t.Errorf("Expected trigger schedule, got %s", startData.Trigger)
	}
}

func TestHandlerUpdateStats(t *testing.T) {
	server := startServer(t)
	handler := NewHandler(server, testLogger())

	// Newest first, matching the metadata store's ordering.
	runs := []pipeline.RunRecord{
		{ID: "c", Outcome: "failed", Error: "archive fetch failed", FinishedAt: time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC)},
		{ID: "b", Outcome: "refreshed", Rows: 900000, FinishedAt: time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)},
		{ID: "a", Outcome: "up_to_date", FinishedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
	}

	handler.UpdateStats(runs)

	stats := handler.GetStats()
	if stats.TotalRuns != 3 {
		t.Errorf("Expected 3 runs, got %d", stats.TotalRuns)
	}
	if stats.Refreshed != 1 || stats.UpToDate != 1 || stats.Failed != 1 {
		t.Errorf("Unexpected outcome counts: %+v", stats)
	}
	if stats.LastOutcome != "failed" {
		t.Errorf("Expected last outcome failed, got %s", stats.LastOutcome)
	}
	if stats.LastError != "archive fetch failed" {
		t.Errorf("Expected last error to come from the newest run, got %q", stats.LastError)
	}
	if stats.LastRows != 900000 {
		t.Errorf("Expected last rows from the refresh, got %d", stats.LastRows)
	}
	if !stats.LastRefresh.Equal(time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Expected last refresh from history, got %v", stats.LastRefresh)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := startServer(t)

	resp, err := http.Get("http://" + server.GetAddr() + "/health")
	if err != nil {
		t.Fatalf("Failed to query health endpoint: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	var body struct {
		Status  string `json:"status"`
		Clients int    `json:"clients"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode health response: %v", err)
	}

	if body.Status != "ok" {
		t.Errorf("Expected status ok, got %s", body.Status)
	}
	if body.Clients != 0 {
		t.Errorf("Expected 0 clients, got %d", body.Clients)
	}
}
