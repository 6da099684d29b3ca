package workflow

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workflow-engine/api/pkg/taskrun"
)

func setupRouter(t *testing.T) (*mux.Router, *harness) {
	t.Helper()
	wf := SampleWorkflow()
	wf.ID = "wf"
	h := newHarness(t, wf, 0)
	require.NoError(t, SeedSample(context.Background(), h.store))

	router := mux.NewRouter()
	NewService(h.store, h.manager).LoadRoutes(router.PathPrefix("/api/v1").Subrouter())
	return router, h
}

func serve(router http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var result map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&result))
	return result["message"]
}

func TestHandleGetWorkflow_Success(t *testing.T) {
	router, _ := setupRouter(t)

	w := serve(router, "GET", "/api/v1/workflows/"+SampleWorkflowID, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var wf Workflow
	require.NoError(t, json.NewDecoder(w.Body).Decode(&wf))
	assert.Equal(t, SampleWorkflowID, wf.ID)
	assert.Len(t, wf.Nodes, 6)
	assert.Len(t, wf.Edges, 5)
}

func TestHandleGetWorkflow_NotFound(t *testing.T) {
	router, _ := setupRouter(t)

	w := serve(router, "GET", "/api/v1/workflows/00000000-0000-0000-0000-000000000000", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "workflow not found", decodeMessage(t, w))
}

func TestHandleStartRun_Accepted(t *testing.T) {
	router, h := setupRouter(t)
	body, _ := json.Marshal(ExecuteRequest{ExecutionType: ExecutionSingle, NodeIDs: []string{"system"}})

	w := serve(router, "POST", "/api/v1/workflows/wf/runs", body)

	require.Equal(t, http.StatusAccepted, w.Code)
	var run WorkflowRun
	require.NoError(t, json.NewDecoder(w.Body).Decode(&run))
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, "wf", run.WorkflowID)
	assert.Equal(t, RunRunning, run.Status)

	details, err := h.manager.Wait(context.Background(), run.ID, 5*time.Millisecond, 400)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, details.Run.Status)

	w = serve(router, "GET", "/api/v1/runs/"+run.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got RunDetails
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Equal(t, RunCompleted, got.Run.Status)
	require.Len(t, got.NodeExecutions, 1)
	assert.Equal(t, "system", got.NodeExecutions[0].NodeID)
	assert.Equal(t, "You write short product captions.", got.NodeExecutions[0].Outputs)
}

func TestHandleStartRun_Validation(t *testing.T) {
	router, _ := setupRouter(t)
	body, _ := json.Marshal(ExecuteRequest{ExecutionType: ExecutionSelected})

	w := serve(router, "POST", "/api/v1/workflows/wf/runs", body)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeMessage(t, w), "nodeIds")
}

func TestHandleStartRun_InvalidJSON(t *testing.T) {
	router, _ := setupRouter(t)

	w := serve(router, "POST", "/api/v1/workflows/wf/runs", []byte("not json"))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleStartRun_NotFound(t *testing.T) {
	router, _ := setupRouter(t)
	body, _ := json.Marshal(ExecuteRequest{ExecutionType: ExecutionFull})

	w := serve(router, "POST", "/api/v1/workflows/missing/runs", body)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleListRuns(t *testing.T) {
	router, h := setupRouter(t)

	w := serve(router, "GET", "/api/v1/workflows/wf/runs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())

	h.execute(t, ExecuteRequest{ExecutionType: ExecutionSingle, NodeIDs: []string{"system"}})

	w = serve(router, "GET", "/api/v1/workflows/wf/runs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var runs []WorkflowRun
	require.NoError(t, json.NewDecoder(w.Body).Decode(&runs))
	require.Len(t, runs, 1)
	assert.Equal(t, []string{"system"}, runs[0].SelectedNodeIDs)
}

func TestHandleGetRun_NotFound(t *testing.T) {
	router, _ := setupRouter(t)

	w := serve(router, "GET", "/api/v1/runs/missing", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "run not found", decodeMessage(t, w))
}

func TestHandleCancelRun(t *testing.T) {
	router, h := setupRouter(t)
	slow, started, _ := blockingTask()
	h.runner.Register(taskrun.TaskCropImage, slow)

	body, _ := json.Marshal(ExecuteRequest{ExecutionType: ExecutionSingle, NodeIDs: []string{"crop"}})
	w := serve(router, "POST", "/api/v1/workflows/wf/runs", body)
	require.Equal(t, http.StatusAccepted, w.Code)
	var run WorkflowRun
	require.NoError(t, json.NewDecoder(w.Body).Decode(&run))
	waitClosed(t, started, "crop task to start")

	w = serve(router, "POST", "/api/v1/runs/"+run.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var cancelled WorkflowRun
	require.NoError(t, json.NewDecoder(w.Body).Decode(&cancelled))
	assert.Equal(t, RunCancelled, cancelled.Status)

	w = serve(router, "POST", "/api/v1/runs/"+run.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "run already cancelled", decodeMessage(t, w))
}

func TestHandleCancelRun_NotFound(t *testing.T) {
	router, _ := setupRouter(t)

	w := serve(router, "POST", "/api/v1/runs/missing/cancel", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
