package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/gotrs-inbound/internal/cache"
	"github.com/gotrs-io/gotrs-inbound/internal/mailqueue"
	"github.com/gotrs-io/gotrs-inbound/internal/metrics"
	"github.com/gotrs-io/gotrs-inbound/internal/models"
)

type staticAccounts []models.MailboxAccount

func (a staticAccounts) List(context.Context) ([]models.MailboxAccount, error) {
	return append([]models.MailboxAccount(nil), a...), nil
}

type recordingTrigger struct {
	ran []string
	err error
}

func (r *recordingTrigger) RunOnce(_ context.Context, name string) error {
	r.ran = append(r.ran, name)
	return r.err
}

func quiet() Option { return WithLogger(log.New(io.Discard, "", 0)) }

func do(t *testing.T, r http.Handler, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var body map[string]any
	if w.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

func seedFailed(t *testing.T, store *mailqueue.MemoryStore) int64 {
	t.Helper()
	msg := &models.InboundMessage{
		MailboxAccountID: 1,
		MessageID:        "<broken@example.com>",
		FromAddress:      "jane@example.com",
		Subject:          "Printer on fire",
		Status:           models.MessageStatusFailed,
		Terminal:         true,
		RetryCount:       3,
		LastError:        "ticket service: 503",
		ReceivedAt:       time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.Insert(context.Background(), msg))
	return msg.ID
}

func TestHealth(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("healthy without ping", func(t *testing.T) {
		w, body := do(t, NewServer(mailqueue.NewMemoryStore(), quiet()).Router(), http.MethodGet, "/healthz")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "healthy", body["status"])
	})

	t.Run("failing ping is unavailable", func(t *testing.T) {
		srv := NewServer(mailqueue.NewMemoryStore(), quiet(), WithPing(func(context.Context) error {
			return errors.New("connection refused")
		}))
		w, body := do(t, srv.Router(), http.MethodGet, "/healthz")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "connection refused", body["error"])
	})
}

func TestFailedQueueAndRequeue(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := mailqueue.NewMemoryStore()
	id := seedFailed(t, store)
	router := NewServer(store, quiet()).Router()

	w, body := do(t, router, http.MethodGet, "/api/v1/messages/failed?limit=10")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["count"])
	first := body["data"].([]any)[0].(map[string]any)
	assert.Equal(t, "Printer on fire", first["subject"])
	assert.Equal(t, "ticket service: 503", first["last_error"])

	w, _ = do(t, router, http.MethodGet, "/api/v1/messages/failed?limit=abc")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(t, router, http.MethodPost, "/api/v1/messages/999/requeue")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, body = do(t, router, http.MethodPost, "/api/v1/messages/1/requeue")
	require.Equal(t, http.StatusOK, w.Code, body)
	msg, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.MessageStatusPending, msg.Status)
	assert.Zero(t, msg.RetryCount)

	w, _ = do(t, router, http.MethodPost, "/api/v1/messages/1/requeue")
	assert.Equal(t, http.StatusConflict, w.Code)

	w, body = do(t, router, http.MethodGet, "/api/v1/messages/counts")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["data"].(map[string]any)["pending"])
}

func TestAccountStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)
	status := cache.NewMemoryStatusStore()
	require.NoError(t, status.Record(context.Background(), cache.PollStatus{
		AccountID: 2, LastStatus: "success", Fetched: 4, New: 3, Duplicates: 1,
	}))
	accounts := staticAccounts{
		{ID: 2, Name: "Sales", EmailAddress: "sales@example.com", Type: "imaps", IsActive: true},
		{ID: 1, Name: "Support", EmailAddress: "support@example.com", Type: "pop3"},
	}
	router := NewServer(mailqueue.NewMemoryStore(), quiet(), WithAccounts(accounts, status)).Router()

	w, body := do(t, router, http.MethodGet, "/api/v1/accounts/status")
	require.Equal(t, http.StatusOK, w.Code)
	rows := body["data"].([]any)
	require.Len(t, rows, 2)
	assert.EqualValues(t, 1, rows[0].(map[string]any)["id"])
	assert.Nil(t, rows[0].(map[string]any)["poll"])
	poll := rows[1].(map[string]any)["poll"].(map[string]any)
	assert.Equal(t, "success", poll["last_status"])
	assert.EqualValues(t, 3, poll["messages_new"])

	w, _ = do(t, NewServer(mailqueue.NewMemoryStore(), quiet()).Router(), http.MethodGet, "/api/v1/accounts/status")
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestRunTaskOnlyAllowsRegisteredNames(t *testing.T) {
	gin.SetMode(gin.TestMode)
	trigger := &recordingTrigger{}
	router := NewServer(mailqueue.NewMemoryStore(), quiet(), WithTasks(trigger, "mailbox-poll")).Router()

	w, body := do(t, router, http.MethodPost, "/api/v1/tasks/mailbox-poll/run")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "mailbox-poll", body["task"])

	w, _ = do(t, router, http.MethodPost, "/api/v1/tasks/drop-tables/run")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, []string{"mailbox-poll"}, trigger.ran)

	trigger.err = errors.New("imap: auth failed")
	w, body = do(t, router, http.MethodPost, "/api/v1/tasks/mailbox-poll/run")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, body["error"], "imap: auth failed")
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.PollRun()

	router := NewServer(mailqueue.NewMemoryStore(), quiet(), WithGatherer(reg)).Router()
	w, _ := do(t, router, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "inbound_poll_runs_total 1")
}
