package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classtrack/internal/config"
	"classtrack/internal/queue"
	"classtrack/internal/store"
	"classtrack/internal/student"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T) (*gin.Engine, *app) {
	t.Helper()
	cfg := config.App{
		StoreBackend:     "memory",
		QueueBackend:     "memory",
		JWTIssuer:        "classtrack",
		JWTSecret:        "test-secret",
		UserTokenTTL:     time.Hour,
		DeviceTokenTTL:   24 * time.Hour,
		AttendanceCutoff: "08:30",
		TimeZone:         "UTC",
		PersistTimeout:   time.Second,
		RateLimitPerMin:  1000,
		CORSOrigins:      []string{"*"},
	}
	a := buildApp(cfg, nil, store.NewRedis("127.0.0.1:0"), queue.NewInMemory(16))
	ctx := context.Background()
	_, err := a.accounts.Create(ctx, "admin@school.com", "admin123", "Admin", "ADMIN")
	require.NoError(t, err)
	_, err = a.students.Create(ctx, student.Student{StudentID: "STU0001", Name: "Ada", Class: "10A"})
	require.NoError(t, err)
	return newRouter(cfg, a), a
}

func do(r http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, r http.Handler) string {
	t.Helper()
	rec := do(r, http.MethodPost, "/api/auth/login", "", `{"email":"ADMIN@school.com","password":"admin123"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var session struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	require.NotEmpty(t, session.Token)
	return session.Token
}

func TestLogin(t *testing.T) {
	r, _ := newTestServer(t)

	rec := do(r, http.MethodPost, "/api/auth/login", "", `{"email":"admin@school.com","password":"wrong1"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"Invalid credentials"}`, rec.Body.String())

	token := login(t, r)
	rec = do(r, http.MethodGet, "/api/auth/me", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var me map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &me))
	assert.Equal(t, "admin@school.com", me["email"])
	assert.Equal(t, "ADMIN", me["role"])
}

func TestProvisionedTokenDrivesDeviceEndpoints(t *testing.T) {
	r, _ := newTestServer(t)

	rec := do(r, http.MethodPost, "/api/devices/provision", "", `{"deviceId":"ESP32-LAB"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token := login(t, r)
	rec = do(r, http.MethodPost, "/api/devices/provision", token, `{"deviceId":"ESP32-LAB","location":"Lab"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var prov struct {
		DeviceToken string `json:"deviceToken"`
		Device      struct {
			DeviceID string `json:"deviceId"`
			Location string `json:"location"`
			Status   string `json:"status"`
		} `json:"device"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &prov))
	assert.Equal(t, "ESP32-LAB", prov.Device.DeviceID)
	assert.Equal(t, "Lab", prov.Device.Location)
	assert.Equal(t, "OFFLINE", prov.Device.Status)

	// a user token is not a device token
	rec = do(r, http.MethodPost, "/api/attendance/device", token, `{"studentId":"STU0001","fingerprintMatch":true}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(r, http.MethodPost, "/api/attendance/device", prov.DeviceToken, `{"studentId":"STU0001","fingerprintMatch":true}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(r, http.MethodPost, "/api/airquality/device", prov.DeviceToken, `{"room":"Lab","pm25":80,"co2":1200,"temperature":24,"humidity":50}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(r, http.MethodGet, "/api/alerts?resolved=false", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var alerts []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &alerts))
	require.Len(t, alerts, 2)
	assert.Equal(t, "CRITICAL", alerts[0]["severity"])

	rec = do(r, http.MethodGet, "/api/attendance/stats", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.EqualValues(t, 1, stats["total"])

	rec = do(r, http.MethodGet, "/api/attendance/student/STU0001", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var history []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	assert.Len(t, history, 1)

	rec = do(r, http.MethodGet, "/api/airquality/rooms", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"quality":"Poor"`)
}

func TestDashboardRoutes(t *testing.T) {
	r, _ := newTestServer(t)
	token := login(t, r)

	rec := do(r, http.MethodPost, "/api/devices", token, `{"deviceId":"ESP32-101","name":"Scanner","type":"FINGERPRINT_SCANNER","location":"Room 101"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = do(r, http.MethodPost, "/api/devices", token, `{"deviceId":"ESP32-101","name":"Scanner","type":"FINGERPRINT_SCANNER","location":"Room 101"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"Device ID already exists"}`, rec.Body.String())

	rec = do(r, http.MethodPost, "/api/students", token, `{"studentId":"STU0001","name":"Again","class":"10A"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"Student ID already exists"}`, rec.Body.String())

	rec = do(r, http.MethodGet, "/api/devices?status=offline", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var devices []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &devices))
	assert.Len(t, devices, 1)

	rec = do(r, http.MethodGet, "/api/attendance?date=yesterday", token, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(r, http.MethodGet, "/api/attendance?date=2026-03-02&class=all", token, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = do(r, http.MethodGet, "/api/alerts?resolved=maybe", token, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(r, http.MethodGet, "/api/airquality/stats", token, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(r, http.MethodPost, "/api/auth/users", token, `{"email":"t@school.com","password":"teacher1","fullName":"T"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "password")
}

func TestHealth(t *testing.T) {
	r, _ := newTestServer(t)
	for _, path := range []string{"/healthz", "/health"} {
		rec := do(r, http.MethodGet, path, "", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "ok", body["status"])
		assert.Equal(t, "disabled", body["db"])
		assert.Contains(t, body, "timestamp")
	}
}

func TestDeviceTypeIsCaseInsensitive(t *testing.T) {
	r, _ := newTestServer(t)
	token := login(t, r)

	rec := do(r, http.MethodPost, "/api/devices", token, `{"deviceId":"ESP32-201","name":"Hall","type":"multi_sensor","location":"Hall"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var registered map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &registered))
	assert.Equal(t, "MULTI_SENSOR", registered["type"])

	rec = do(r, http.MethodPost, "/api/devices/provision", token, `{"deviceId":"ESP32-202","type":"multi_sensor"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"type":"MULTI_SENSOR"`)
}
