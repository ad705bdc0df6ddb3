package main

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"classtrack/internal/account"
	"classtrack/internal/airquality"
	"classtrack/internal/alert"
	"classtrack/internal/apperr"
	"classtrack/internal/attendance"
	"classtrack/internal/auth"
	"classtrack/internal/config"
	"classtrack/internal/device"
	"classtrack/internal/httpmiddleware"
	"classtrack/internal/ingest"
	"classtrack/internal/store"
	"classtrack/internal/student"
)

func newRouter(cfg config.App, a *app) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/health", "/metrics"},
	}))
	r.Use(cors.New(corsConfig(cfg.CORSOrigins)))
	r.Use(httpmiddleware.SecurityHeaders())

	limiter := httpmiddleware.NewIPRateLimiter(cfg.RateLimitPerMin, "/healthz", "/health", "/metrics", "/ws/devices")
	a.limiter = limiter
	r.Use(limiter.GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", a.health.handle)
	r.GET("/health", a.health.handle)

	ingest.RegisterRoutes(r, a.gateway, a.issuer)
	r.GET("/ws/devices", ingest.NewChannelHandler(a.gateway, a.issuer, ingest.ChannelOptions{
		RequireToken: cfg.WSRequireDeviceToken,
		PingInterval: cfg.WSPingInterval,
		Origins:      cfg.CORSOrigins,
	}).Handle)

	r.POST("/api/auth/login", a.login)

	api := r.Group("/api", auth.UserAuth(a.issuer))
	api.GET("/auth/me", me)
	api.POST("/auth/users", auth.RequireRole(account.RoleAdmin), a.createUser)

	api.GET("/students", a.listStudents)
	api.POST("/students", a.createStudent)

	api.GET("/devices", a.listDevices)
	api.POST("/devices", a.registerDevice)
	api.POST("/devices/provision", a.provisionDevice)

	api.GET("/attendance", a.listAttendance)
	api.GET("/attendance/stats", a.attendanceStats)
	api.GET("/attendance/student/:studentId", a.studentHistory)

	api.GET("/airquality", a.listReadings)
	api.GET("/airquality/rooms", a.rooms)
	api.GET("/airquality/stats", a.airQualityStats)

	api.GET("/alerts", a.listAlerts)
	return r
}

func corsConfig(origins []string) cors.Config {
	c := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           24 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		// credentials rule out a literal "*"
		c.AllowOriginFunc = func(string) bool { return true }
	} else {
		c.AllowOrigins = origins
	}
	return c
}

type healthCheck struct {
	db        *store.DB
	redis     *store.Redis
	needDB    bool
	needRedis bool
}

func (h healthCheck) handle(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	dbStatus, redisStatus := "disabled", "disabled"
	healthy := true
	if h.needDB {
		dbStatus = "ok"
		if !h.db.Healthy(ctx) {
			dbStatus, healthy = "down", false
		}
	}
	if h.needRedis {
		redisStatus = "ok"
		if !h.redis.Healthy(ctx) {
			redisStatus, healthy = "down", false
		}
	}

	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    status,
		"db":        dbStatus,
		"redis":     redisStatus,
		"timestamp": time.Now().UTC(),
	})
}

func (a *app) login(c *gin.Context) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmiddleware.RespondError(c, ingest.DecodeError(err))
		return
	}
	session, err := a.accounts.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		httpmiddleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func me(c *gin.Context) {
	claims, _ := auth.ClaimsFrom(c)
	c.JSON(http.StatusOK, claims.User())
}

func (a *app) createUser(c *gin.Context) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		FullName string `json:"fullName"`
		Role     string `json:"role"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmiddleware.RespondError(c, ingest.DecodeError(err))
		return
	}
	u, err := a.accounts.Create(c.Request.Context(), req.Email, req.Password, req.FullName, req.Role)
	if err != nil {
		httpmiddleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, u)
}

func (a *app) listStudents(c *gin.Context) {
	students, err := a.students.List(c.Request.Context(), c.Query("class"))
	if err != nil {
		httpmiddleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, students)
}

func (a *app) createStudent(c *gin.Context) {
	var req student.Student
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmiddleware.RespondError(c, ingest.DecodeError(err))
		return
	}
	s, err := a.students.Create(c.Request.Context(), req)
	if err != nil {
		httpmiddleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, s)
}

func (a *app) listDevices(c *gin.Context) {
	devices, err := a.devices.List(c.Request.Context(), c.Query("status"))
	if err != nil {
		httpmiddleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, devices)
}

func (a *app) registerDevice(c *gin.Context) {
	var req struct {
		DeviceID        string `json:"deviceId"`
		Name            string `json:"name"`
		Type            string `json:"type"`
		Location        string `json:"location"`
		FirmwareVersion string `json:"firmwareVersion"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmiddleware.RespondError(c, ingest.DecodeError(err))
		return
	}
	d, err := a.devices.Register(c.Request.Context(), device.RegisterInput{
		DeviceID:        req.DeviceID,
		Name:            req.Name,
		Type:            device.Type(strings.ToUpper(req.Type)),
		Location:        req.Location,
		FirmwareVersion: req.FirmwareVersion,
	})
	if err != nil {
		httpmiddleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

func (a *app) provisionDevice(c *gin.Context) {
	var req struct {
		DeviceID string `json:"deviceId"`
		Name     string `json:"name"`
		Type     string `json:"type"`
		Location string `json:"location"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmiddleware.RespondError(c, ingest.DecodeError(err))
		return
	}
	p, err := a.devices.Provision(c.Request.Context(), device.ProvisionInput{
		DeviceID: req.DeviceID,
		Name:     req.Name,
		Type:     device.Type(strings.ToUpper(req.Type)),
		Location: req.Location,
	})
	if err != nil {
		httpmiddleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deviceToken": p.Token, "expiresAt": p.ExpiresAt, "device": p.Device})
}

func (a *app) listAttendance(c *gin.Context) {
	f := attendance.ListFilter{Class: c.Query("class")}
	if v := c.Query("date"); v != "" {
		day, err := time.ParseInLocation("2006-01-02", v, a.attendance.Location())
		if err != nil {
			httpmiddleware.RespondError(c, apperr.Validation("date must be YYYY-MM-DD"))
			return
		}
		f.From, f.To = a.attendance.Day(day)
	}
	records, err := a.attendance.List(c.Request.Context(), f)
	if err != nil {
		httpmiddleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, records)
}

func (a *app) attendanceStats(c *gin.Context) {
	from, to, err := dateRange(c)
	if err != nil {
		httpmiddleware.RespondError(c, err)
		return
	}
	stats, err := a.attendance.Stats(c.Request.Context(), from, to)
	if err != nil {
		httpmiddleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (a *app) studentHistory(c *gin.Context) {
	st, err := a.students.Find(c.Request.Context(), c.Param("studentId"))
	if err != nil {
		httpmiddleware.RespondError(c, err)
		return
	}
	records, err := a.attendance.List(c.Request.Context(), attendance.ListFilter{
		StudentPK: st.ID,
		Limit:     queryInt(c, "limit", 10),
	})
	if err != nil {
		httpmiddleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, records)
}

func (a *app) listReadings(c *gin.Context) {
	f := airquality.ListFilter{Room: c.Query("room"), Limit: queryInt(c, "limit", 100)}
	readings, err := a.readings.List(c.Request.Context(), f)
	if err != nil {
		httpmiddleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, readings)
}

func (a *app) rooms(c *gin.Context) {
	rooms, err := a.readings.Rooms(c.Request.Context())
	if err != nil {
		httpmiddleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rooms)
}

func (a *app) airQualityStats(c *gin.Context) {
	from, to, err := dateRange(c)
	if err != nil {
		httpmiddleware.RespondError(c, err)
		return
	}
	stats, err := a.readings.Stats(c.Request.Context(), from, to)
	if err != nil {
		httpmiddleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats.View())
}

func (a *app) listAlerts(c *gin.Context) {
	f := alert.Filter{Limit: queryInt(c, "limit", 100)}
	if v := c.Query("resolved"); v != "" {
		resolved, err := strconv.ParseBool(v)
		if err != nil {
			httpmiddleware.RespondError(c, apperr.Validation("resolved must be true or false"))
			return
		}
		f.Resolved = &resolved
	}
	alerts, err := a.alerts.List(c.Request.Context(), f)
	if err != nil {
		httpmiddleware.RespondError(c, apperr.Persistence(err, "Failed to fetch alerts"))
		return
	}
	if alerts == nil {
		alerts = []alert.Alert{}
	}
	c.JSON(http.StatusOK, alerts)
}

// dateRange reads ?startDate=&endDate=; both must be present to filter.
func dateRange(c *gin.Context) (time.Time, time.Time, error) {
	start, end := c.Query("startDate"), c.Query("endDate")
	if start == "" || end == "" {
		return time.Time{}, time.Time{}, nil
	}
	from, err := parseDate(start)
	if err != nil {
		return time.Time{}, time.Time{}, apperr.Validation("startDate must be a date")
	}
	to, err := parseDate(end)
	if err != nil {
		return time.Time{}, time.Time{}, apperr.Validation("endDate must be a date")
	}
	return from, to, nil
}

func parseDate(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}

func queryInt(c *gin.Context, key string, fallback int) int {
	if v := c.Query(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}
