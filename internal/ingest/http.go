package ingest

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"classtrack/internal/auth"
	"classtrack/internal/httpmiddleware"
)

// RegisterRoutes mounts the telemetry endpoints. The plain variants take the
// device id from the body; the /device variants take it from the token.
func RegisterRoutes(r gin.IRouter, gw *Gateway, issuer *auth.Issuer) {
	deviceAuth := auth.DeviceAuth(issuer)
	limit := limitBody(MaxPayloadBytes)

	r.POST("/api/attendance", limit, attendanceHandler(gw))
	r.POST("/api/attendance/device", limit, deviceAuth, attendanceHandler(gw))
	r.POST("/api/airquality", limit, airQualityHandler(gw))
	r.POST("/api/airquality/device", limit, deviceAuth, airQualityHandler(gw))
	// low trust: no token, any caller may report for any device id
	r.POST("/api/devices/status", limit, deviceStatusHandler(gw))
}

// MaxPayloadBytes caps one telemetry body or channel frame.
const MaxPayloadBytes = 64 << 10

func limitBody(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		c.Next()
	}
}

// sourceFrom reads the device id placed in the context by DeviceAuth.
func sourceFrom(c *gin.Context) Source {
	return Source{Transport: TransportHTTP, TokenDeviceID: auth.DeviceID(c)}
}

func attendanceHandler(gw *Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req AttendancePayload
		if err := c.ShouldBindJSON(&req); err != nil {
			httpmiddleware.RespondError(c, DecodeError(err))
			return
		}
		res, err := gw.Attendance(c.Request.Context(), sourceFrom(c), req)
		if err != nil {
			httpmiddleware.RespondError(c, err)
			return
		}
		status := http.StatusCreated
		if res.Duplicate {
			status = http.StatusOK
		}
		c.JSON(status, res.Record)
	}
}

func airQualityHandler(gw *Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req AirQualityPayload
		if err := c.ShouldBindJSON(&req); err != nil {
			httpmiddleware.RespondError(c, DecodeError(err))
			return
		}
		reading, err := gw.AirQuality(c.Request.Context(), sourceFrom(c), req)
		if err != nil {
			httpmiddleware.RespondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, reading)
	}
}

func deviceStatusHandler(gw *Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req DeviceStatusPayload
		if err := c.ShouldBindJSON(&req); err != nil {
			httpmiddleware.RespondError(c, DecodeError(err))
			return
		}
		d, err := gw.DeviceStatus(c.Request.Context(), Source{Transport: TransportHTTP}, req)
		if err != nil {
			httpmiddleware.RespondError(c, err)
			return
		}
		c.JSON(http.StatusOK, d)
	}
}
