package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fall-detection-service/internal/alert"
	"fall-detection-service/internal/analytics"
	"fall-detection-service/internal/cache"
	"fall-detection-service/internal/models"
)

type memStore struct {
	mu       sync.Mutex
	prefs    models.Preferences
	contact  string
	alerts   []models.Alert
	counters map[string]int64
}

func newMemStore() *memStore {
	return &memStore{prefs: models.DefaultPreferences(), counters: map[string]int64{}}
}

func (s *memStore) GetPreferences(ctx context.Context) (models.Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prefs, nil
}

func (s *memStore) SavePreferences(ctx context.Context, prefs models.Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs = prefs
	return nil
}

func (s *memStore) GetContact(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contact, nil
}

func (s *memStore) SaveContact(ctx context.Context, phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contact = phone
	return nil
}

func (s *memStore) GetLatestAlerts(ctx context.Context, count int64) ([]models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int64(len(s.alerts)) < count {
		count = int64(len(s.alerts))
	}
	return s.alerts[:count], nil
}

func (s *memStore) GetCounter(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[key], nil
}

func (s *memStore) Ping(ctx context.Context) error { return nil }

type locationLog struct {
	locations []models.Location
}

func (l *locationLog) Update(loc models.Location) {
	l.locations = append(l.locations, loc)
}

type stubAlerter struct {
	alert models.Alert
	err   error
}

func (a stubAlerter) Test(ctx context.Context) (models.Alert, error) {
	return a.alert, a.err
}

type eventLog struct {
	events []models.SensorEvent
}

func (l *eventLog) WriteEvent(e models.SensorEvent) error {
	l.events = append(l.events, e)
	return nil
}

func newTestHandler(opts ...Option) (*Handler, *memStore) {
	store := newMemStore()
	return NewHandler(analytics.NewAnalyzer(100), store, opts...), store
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSamplesHandler(t *testing.T) {
	events := &eventLog{}
	h, _ := newTestHandler(WithRecorder(events))
	router := h.Router()

	rec := do(t, router, http.MethodPost, "/samples", `{"accel":[0,0,10],"gyro":[0,0,0.5]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var result models.DetectionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.InDelta(t, 2.0, result.SmoothedMagnitude, 1e-9)
	assert.True(t, result.GyroPresent)
	assert.False(t, result.FallDetected)

	require.Len(t, events.events, 2)
	assert.Equal(t, models.KindGyro, events.events[0].Kind)
	assert.Equal(t, models.KindAccel, events.events[1].Kind)
}

func TestSamplesHandler_Rejects(t *testing.T) {
	h, _ := newTestHandler()
	router := h.Router()

	rec := do(t, router, http.MethodPost, "/samples", `{"gyro":[0,0,1]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "accel is required")

	rec = do(t, router, http.MethodPost, "/samples", `{bad`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, http.MethodGet, "/samples", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	assert.Equal(t, int64(0), h.analyzer.GetStats().Evaluated)
}

func TestBatchSamplesHandler_DetectsFall(t *testing.T) {
	h, _ := newTestHandler()

	var samples []string
	for i := 0; i < 5; i++ {
		samples = append(samples, `{"accel":[0,0,16],"gyro":[4,0,0]}`)
	}
	samples = append(samples, `{"accel":[0,0,1],"gyro":[4,0,0]}`, `{"gyro":[1,1,1]}`)
	body := `{"samples":[` + strings.Join(samples, ",") + `]}`

	rec := do(t, h.Router(), http.MethodPost, "/samples/batch", body)
	require.Equal(t, http.StatusOK, rec.Code)

	var response struct {
		Processed  int                      `json:"processed"`
		Rejected   int                      `json:"rejected"`
		FallsFound int                      `json:"falls_found"`
		Results    []models.DetectionResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, 6, response.Processed)
	assert.Equal(t, 1, response.Rejected)
	assert.Equal(t, 1, response.FallsFound)
	assert.True(t, response.Results[5].FallDetected)
}

func TestBatchSamplesHandler_UsesDeviceTimeline(t *testing.T) {
	h, _ := newTestHandler()
	t0 := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	stamp := func(d time.Duration) string { return t0.Add(d).Format(time.RFC3339Nano) }

	var samples []string
	for i := 0; i < 5; i++ {
		samples = append(samples, `{"timestamp":"`+stamp(time.Duration(i)*10*time.Millisecond)+`","accel":[0,0,16],"gyro":[4,0,0]}`)
	}
	// удар через 5 секунд по времени устройства, за пределами окна
	samples = append(samples, `{"timestamp":"`+stamp(5*time.Second)+`","accel":[0,0,9.81]}`)
	body := `{"samples":[` + strings.Join(samples, ",") + `]}`

	rec := do(t, h.Router(), http.MethodPost, "/samples/batch", body)
	require.Equal(t, http.StatusOK, rec.Code)

	var response struct {
		FallsFound int                      `json:"falls_found"`
		Results    []models.DetectionResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	require.Len(t, response.Results, 6)
	assert.Equal(t, 0, response.FallsFound)
	assert.True(t, response.Results[5].Timestamp.Equal(t0.Add(5*time.Second)))
	assert.Equal(t, 0, response.Results[5].Confirmations)
}

func TestEventsHandler(t *testing.T) {
	h, _ := newTestHandler()
	router := h.Router()
	ts := time.Now().UTC().Format(time.RFC3339Nano)

	rec := do(t, router, http.MethodPost, "/events", `{"type":"gyro","values":[3,1,0],"timestamp":"`+ts+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"evaluated":false`)

	rec = do(t, router, http.MethodPost, "/events", `{"type":"accel","values":[0,0,9.8],"timestamp":"`+ts+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var result models.DetectionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.GyroPresent)

	rec = do(t, router, http.MethodPost, "/events", `{"type":"magnetometer","values":[0,0,0]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLocationHandler(t *testing.T) {
	locations := &locationLog{}
	h, _ := newTestHandler(WithLocations(locations))
	router := h.Router()

	rec := do(t, router, http.MethodPost, "/location", `{"lat":59.93,"lon":30.31}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, locations.locations, 1)
	assert.Equal(t, 59.93, locations.locations[0].Latitude)

	rec = do(t, router, http.MethodPost, "/location", `{"lat":120,"lon":30}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	withoutTracker, _ := newTestHandler()
	rec = do(t, withoutTracker.Router(), http.MethodPost, "/location", `{"lat":1,"lon":2}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSettingsHandlers(t *testing.T) {
	h, store := newTestHandler()
	router := h.Router()

	rec := do(t, router, http.MethodGet, "/settings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"sound_enabled":true,"vibration_enabled":true,"sms_enabled":true}`, rec.Body.String())

	rec = do(t, router, http.MethodPut, "/settings", `{"sound_enabled":false,"sensitivity":100}`)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.False(t, store.prefs.SoundEnabled)
	assert.True(t, store.prefs.SMSEnabled)
	require.NotNil(t, store.prefs.Sensitivity)

	st := h.analyzer.Snapshot()
	require.NotNil(t, st.Sensitivity)
	assert.Equal(t, 100, *st.Sensitivity)
	assert.InDelta(t, 7.5, st.Thresholds.HighAccel, 1e-9)

	rec = do(t, router, http.MethodPut, "/settings", `{"sensitivity":101}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestContactHandlers(t *testing.T) {
	h, store := newTestHandler()
	router := h.Router()

	rec := do(t, router, http.MethodGet, "/contact", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"contact":"","set":false}`, rec.Body.String())

	rec = do(t, router, http.MethodPut, "/contact", `{"phone":" +15551234567 "}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"contact":"*****4567","set":true}`, rec.Body.String())
	assert.Equal(t, "+15551234567", store.contact)

	for _, bad := range []string{`{"phone":""}`, `{"phone":"12ab5678"}`, `{"phone":"+1234"}`} {
		rec = do(t, router, http.MethodPut, "/contact", bad)
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestAlertsHandler(t *testing.T) {
	h, store := newTestHandler()
	for i := 0; i < 3; i++ {
		store.alerts = append(store.alerts, models.Alert{ID: string(rune('a' + i)), Status: models.AlertSent})
	}

	rec := do(t, h.Router(), http.MethodGet, "/alerts?count=2", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var alerts []models.Alert
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &alerts))
	require.Len(t, alerts, 2)
	assert.Equal(t, "a", alerts[0].ID)
}

func TestStoreUnavailable(t *testing.T) {
	h := NewHandler(analytics.NewAnalyzer(10), nil)
	router := h.Router()

	for _, path := range []string{"/alerts", "/settings", "/contact"} {
		rec := do(t, router, http.MethodGet, path, "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}

	rec := do(t, router, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var health models.HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "disconnected", health.Redis)
	assert.Equal(t, "disconnected", health.MQTT)
}

func TestTestAlertHandler(t *testing.T) {
	sent := models.Alert{ID: "t1", Status: models.AlertSent, Test: true}
	h, _ := newTestHandler(WithAlerter(stubAlerter{alert: sent}))
	rec := do(t, h.Router(), http.MethodPost, "/alerts/test", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"t1"`)

	noContact := models.Alert{ID: "t2", Status: models.AlertNoContact}
	h, _ = newTestHandler(WithAlerter(stubAlerter{alert: noContact, err: alert.ErrNoContact}))
	rec = do(t, h.Router(), http.MethodPost, "/alerts/test", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	h, _ = newTestHandler(WithAlerter(stubAlerter{err: alert.ErrNoService}))
	rec = do(t, h.Router(), http.MethodPost, "/alerts/test", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestStatsHandler(t *testing.T) {
	h, store := newTestHandler(WithMQTTStatus(func() bool { return true }))
	store.counters[cache.AlertsCounterKey] = 4
	store.counters[cache.FallsCounterKey] = 7

	do(t, h.Router(), http.MethodPost, "/samples", `{"accel":[0,0,9.8]}`)

	rec := do(t, h.Router(), http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats models.StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.SamplesEvaluated)
	assert.Equal(t, int64(7), stats.FallsDetected)
	assert.Equal(t, int64(4), stats.AlertsTotal)

	rec = do(t, h.Router(), http.MethodGet, "/health", "")
	assert.Contains(t, rec.Body.String(), `"mqtt":"connected"`)
}

func TestStateHandler(t *testing.T) {
	h, _ := newTestHandler()
	rec := do(t, h.Router(), http.MethodGet, "/state", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var response struct {
		FilterWindow int `json:"filter_window"`
		State        struct {
			Thresholds struct {
				HighAccel float64 `json:"high_accel"`
			} `json:"thresholds"`
		} `json:"state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, 5, response.FilterWindow)
	assert.Equal(t, 15.0, response.State.Thresholds.HighAccel)
}

func TestHub_BroadcastsAlerts(t *testing.T) {
	hub := NewHub(nil)
	h, _ := newTestHandler(WithHub(hub))
	server := httptest.NewServer(h.Router())
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, hub.RecordAlert(context.Background(), models.Alert{ID: "x1", Status: models.AlertSent}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var event struct {
		Type string       `json:"type"`
		Data models.Alert `json:"data"`
	}
	require.NoError(t, json.NewDecoder(bytes.NewReader(msg)).Decode(&event))
	assert.Equal(t, "alert", event.Type)
	assert.Equal(t, "x1", event.Data.ID)

	hub.Close()
	assert.Equal(t, 0, hub.Clients())
}
