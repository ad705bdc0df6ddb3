package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classtrack/internal/airquality"
	"classtrack/internal/auth"
)

func dial(t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/devices"
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { conn.Close() })

	welcome := readAck(t, conn)
	assert.Equal(t, "connected", welcome.Status)
	assert.Equal(t, welcomeMessage, welcome.Message)
	return conn
}

func readAck(t *testing.T, conn *websocket.Conn) Ack {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var a Ack
	require.NoError(t, conn.ReadJSON(&a))
	return a
}

func TestChannelAcksInOrder(t *testing.T) {
	e := newEnv(t)
	srv := httptest.NewServer(e.router)
	defer srv.Close()
	conn := dial(t, srv, nil)

	frames := []string{
		`{not json`,
		`{"type":"attendance","studentId":"STU0001","deviceId":"ESP32-101","fingerprintMatch":true}`,
		`{"type":"airquality","deviceId":"ESP32-LAB","room":"Lab","pm25":60,"co2":850,"temperature":23,"humidity":45}`,
		`{"type":"device_status","deviceId":"ESP32-WS","battery":70,"signal":-70}`,
		`{"type":"attendance","studentId":"STU9999","deviceId":"ESP32-101","fingerprintMatch":true}`,
		`{"type":"firmware_update","version":"2.0"}`,
	}
	// binary frames get no ack
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}))
	for _, f := range frames {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(f)))
	}

	bad := readAck(t, conn)
	assert.Equal(t, "error", bad.Status)
	assert.Equal(t, "Invalid message format", bad.Message)

	att := readAck(t, conn)
	assert.Equal(t, "received", att.Status)
	assert.Equal(t, FrameAttendance, att.Type)
	assert.NotNil(t, att.Data)

	aq := readAck(t, conn)
	assert.Equal(t, "received", aq.Status)
	assert.Equal(t, FrameAirQuality, aq.Type)

	st := readAck(t, conn)
	assert.Equal(t, "received", st.Status)
	assert.Equal(t, FrameDeviceStatus, st.Type)

	missing := readAck(t, conn)
	assert.Equal(t, "error", missing.Status)
	assert.Equal(t, "Student not found", missing.Message)

	unknown := readAck(t, conn)
	assert.Equal(t, "received", unknown.Status)
	assert.Equal(t, "firmware_update", unknown.Type)

	assert.Equal(t, 1, e.attendance.Len())
	assert.Len(t, e.alerts.Batches(), 1)
	d, err := e.devices.FindByDeviceID(context.Background(), "ESP32-WS")
	require.NoError(t, err)
	require.NotNil(t, d)
}

func TestChannelBindsTokenDevice(t *testing.T) {
	e := newEnv(t)
	srv := httptest.NewServer(e.router)
	defer srv.Close()

	token, _, err := e.issuer.IssueDeviceToken("ESP32-LAB")
	require.NoError(t, err)
	lab, err := e.registry.FindByDeviceID(context.Background(), "ESP32-LAB")
	require.NoError(t, err)

	conn := dial(t, srv, http.Header{"Authorization": {"Bearer " + token}})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"airquality","deviceId":"ESP32-101","room":"Lab","pm25":10,"co2":420,"temperature":21,"humidity":40}`)))
	ack := readAck(t, conn)
	require.Equal(t, "received", ack.Status, ack.Message)

	stored, err := e.readings.List(context.Background(), airquality.ListFilter{})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, lab.ID, stored[0].DeviceID)
}

func TestChannelRejectsInvalidToken(t *testing.T) {
	e := newEnv(t)
	srv := httptest.NewServer(e.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/devices?token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestChannelClosesOnOversizedFrame(t *testing.T) {
	e := newEnv(t)
	srv := httptest.NewServer(e.router)
	defer srv.Close()
	conn := dial(t, srv, nil)

	pad := strings.Repeat("x", MaxPayloadBytes)
	frame := `{"type":"airquality","pad":"` + pad + `","deviceId":"ESP32-LAB","room":"Lab","pm25":60,"co2":1200,"temperature":23,"humidity":45}`
	_ = conn.WriteMessage(websocket.TextMessage, []byte(frame))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		assert.Equal(t, websocket.CloseMessageTooBig, ce.Code)
	}

	stored, _ := e.readings.List(context.Background(), airquality.ListFilter{})
	assert.Empty(t, stored)
	assert.Empty(t, e.alerts.Batches())
}

func TestChannelTokenRequired(t *testing.T) {
	e := newEnv(t)
	r := gin.New()
	r.GET("/ws/devices", NewChannelHandler(e.gw, e.issuer, ChannelOptions{RequireToken: true}).Handle)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/devices"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Access token required", responseError(t, resp))

	token, _, err := e.issuer.IssueDeviceToken("ESP32-LAB")
	require.NoError(t, err)
	dial(t, srv, http.Header{"Authorization": {"Bearer " + token}})
}

func TestChannelRejectsUserToken(t *testing.T) {
	e := newEnv(t)
	srv := httptest.NewServer(e.router)
	defer srv.Close()

	userToken, _, err := e.issuer.IssueUserToken(auth.UserClaims{ID: "u1", Email: "t@school.com", Role: "TEACHER"})
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/devices?token=" + userToken
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "Invalid device token", responseError(t, resp))
}

func responseError(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	msg, _ := body["error"].(string)
	return msg
}
