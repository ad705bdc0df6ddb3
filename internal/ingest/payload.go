package ingest

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"classtrack/internal/apperr"
	"classtrack/internal/device"
)

// AttendancePayload is a fingerprint check-in. DeviceID is ignored when the
// device is identified by its token.
type AttendancePayload struct {
	StudentID        string `json:"studentId" validate:"required"`
	DeviceID         string `json:"deviceId"`
	FingerprintMatch *bool  `json:"fingerprintMatch" validate:"required"`
	Reliability      *int   `json:"reliability" validate:"omitempty,gte=0,lte=100"`
}

// AirQualityPayload is one environmental sample.
type AirQualityPayload struct {
	DeviceID    string   `json:"deviceId"`
	Room        string   `json:"room" validate:"required"`
	PM25        *float64 `json:"pm25" validate:"required,gte=0"`
	CO2         *float64 `json:"co2" validate:"required,gte=0,lte=2147483647,integer"`
	Temperature *float64 `json:"temperature" validate:"required"`
	Humidity    *float64 `json:"humidity" validate:"required,gte=0,lte=100"`
}

// DeviceStatusPayload is a heartbeat. Signal is RSSI in dBm unless
// SignalUnit says "percent".
type DeviceStatusPayload struct {
	DeviceID   string      `json:"deviceId"`
	Battery    *int        `json:"battery" validate:"omitempty,gte=0,lte=100"`
	Signal     *int        `json:"signal"`
	SignalUnit string      `json:"signalUnit" validate:"omitempty,oneof=dBm percent"`
	Uptime     *TextNumber `json:"uptime"`
	Status     string      `json:"status"`
}

// TextNumber accepts a JSON string or number and keeps its text form.
type TextNumber string

func (t *TextNumber) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = TextNumber(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return &json.UnmarshalTypeError{Value: string(b), Type: reflect.TypeOf("")}
	}
	*t = TextNumber(n.String())
	return nil
}

// messages are the caller-facing texts per JSON field.
var messages = map[string]string{
	"studentId":        "Student ID is required",
	"deviceId":         "Device ID is required",
	"fingerprintMatch": "Fingerprint match must be boolean",
	"reliability":      "Reliability must be between 0 and 100",
	"room":             "Room is required",
	"pm25":             "PM2.5 must be a positive number",
	"co2":              "CO2 must be a positive integer",
	"temperature":      "Temperature must be a number",
	"humidity":         "Humidity must be between 0 and 100",
	"battery":          "Battery must be between 0 and 100",
	"signal":           "Signal (RSSI dBm) must be between -120 and 0",
	"signalUnit":       "Signal unit must be dBm or percent",
	"uptime":           "Uptime must be a string or a number",
	"status":           "Status must be a string",
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("integer", func(fl validator.FieldLevel) bool {
		f := fl.Field().Float()
		return f == math.Trunc(f)
	})
	v.RegisterStructValidation(signalRange, DeviceStatusPayload{})
	return v
}

func signalRange(sl validator.StructLevel) {
	p := sl.Current().Interface().(DeviceStatusPayload)
	if p.Signal == nil {
		return
	}
	lo, hi, tag := -120, 0, "dbm_range"
	if p.SignalUnit == string(device.SignalPercent) {
		lo, hi, tag = 0, 100, "percent_range"
	}
	if *p.Signal < lo || *p.Signal > hi {
		sl.ReportError(p.Signal, "signal", "Signal", tag, "")
	}
}

func fieldMessage(field, tag string) string {
	if field == "signal" && tag == "percent_range" {
		return "Signal (percent) must be between 0 and 100"
	}
	if msg, ok := messages[field]; ok {
		return msg
	}
	return "Invalid value for " + field
}

// Validate checks a payload and returns an apperr validation error.
func Validate(p any) error {
	err := validate.Struct(p)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Validation("Invalid request body")
	}
	fields := make([]apperr.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, apperr.FieldError{Field: fe.Field(), Error: fieldMessage(fe.Field(), fe.Tag())})
	}
	return apperr.Validation(fields[0].Error, fields...)
}

// DecodeError turns a JSON decoding failure into a validation error that
// names the offending field.
func DecodeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) {
		return apperr.Validation("Request body is empty")
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return apperr.Validation("Request body too large")
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		field := typeErr.Field
		return apperr.Validation(fieldMessage(field, "type"), apperr.FieldError{Field: field, Error: fieldMessage(field, "type")})
	}
	return apperr.Validation("Invalid request body")
}

func decodeFrame(raw []byte, p any) error {
	if err := json.Unmarshal(raw, p); err != nil {
		return DecodeError(err)
	}
	return nil
}
