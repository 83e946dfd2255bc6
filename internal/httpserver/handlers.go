package httpserver

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/tphakala/audiobridge/internal/device"
	"github.com/tphakala/audiobridge/internal/errors"
	"github.com/tphakala/audiobridge/internal/logger"
)

// errorTypeKey carries the error category of a handled failure to the
// metrics middleware.
const errorTypeKey = "error_type"

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	Code          int    `json:"code"`
	CorrelationID string `json:"correlation_id"`
}

// ControlResult is the body of a successful control call.
type ControlResult struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}

// Status is the body of GET /api/v1/status.
type Status struct {
	Device    *DeviceStatus `json:"device,omitempty"`
	Engine    *EngineStatus `json:"engine,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// DeviceStatus describes the device session.
type DeviceStatus struct {
	ID               string  `json:"id"`
	State            string  `json:"state"`
	SampleRate       int     `json:"sample_rate"`
	Channels         int     `json:"channels"`
	FramesConsumed   uint64  `json:"frames_consumed"`
	SamplesDelivered uint64  `json:"samples_delivered"`
	FIFOAvailable    int     `json:"fifo_available"`
	FIFOCapacity     int     `json:"fifo_capacity"`
	Underruns        uint64  `json:"underruns"`
	UnexpectedStops  uint64  `json:"unexpected_stops"`
	MasterVolume     float32 `json:"master_volume"`
}

// EngineStatus describes the engine.
type EngineStatus struct {
	ID         string  `json:"id"`
	Running    bool    `json:"running"`
	Time       uint64  `json:"time"`
	SampleRate int     `json:"sample_rate"`
	Channels   int     `json:"channels"`
	Volume     float32 `json:"volume"`
	Nodes      int     `json:"nodes"`
	Sounds     int     `json:"sounds"`
}

// VolumeRequest is the body of the volume endpoints.
type VolumeRequest struct {
	Volume *float32 `json:"volume"`
}

func (s *Server) getStatus(c echo.Context) error {
	st := Status{Timestamp: time.Now()}
	if d := s.device; d != nil {
		stats := d.Stats()
		st.Device = &DeviceStatus{
			ID:               d.ID(),
			State:            d.State().String(),
			SampleRate:       d.SampleRate(),
			Channels:         d.Channels(),
			FramesConsumed:   stats.FramesConsumed,
			SamplesDelivered: stats.SamplesDelivered,
			FIFOAvailable:    d.FIFOAvailable(),
			FIFOCapacity:     d.FIFO().Capacity(),
			Underruns:        stats.Underruns,
			UnexpectedStops:  stats.UnexpectedStops,
			MasterVolume:     d.MasterVolume(),
		}
	}
	if e := s.engine; e != nil {
		stats := e.Stats()
		st.Engine = &EngineStatus{
			ID:         e.ID(),
			Running:    e.Running(),
			Time:       stats.Time,
			SampleRate: e.SampleRate(),
			Channels:   e.Channels(),
			Volume:     e.Volume(),
			Nodes:      stats.Nodes,
			Sounds:     stats.Sounds,
		}
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) startDevice(c echo.Context) error {
	if s.device == nil {
		return s.handleError(c, nil, "no device session", http.StatusNotFound)
	}
	if err := s.device.Start(); err != nil {
		return s.handleError(c, err, "failed to start device", statusFor(err))
	}
	return s.controlOK(c, "start_device", "device started")
}

func (s *Server) stopDevice(c echo.Context) error {
	if s.device == nil {
		return s.handleError(c, nil, "no device session", http.StatusNotFound)
	}
	if err := s.device.Stop(); err != nil {
		return s.handleError(c, err, "failed to stop device", statusFor(err))
	}
	return s.controlOK(c, "stop_device", "device stopped")
}

func (s *Server) setDeviceVolume(c echo.Context) error {
	if s.device == nil {
		return s.handleError(c, nil, "no device session", http.StatusNotFound)
	}
	v, err := bindVolume(c)
	if err != nil {
		return s.handleError(c, err, "invalid volume request", http.StatusBadRequest)
	}
	if err := s.device.SetMasterVolume(v); err != nil {
		return s.handleError(c, err, "failed to set device volume", statusFor(err))
	}
	return s.controlOK(c, "set_device_volume", "device volume set")
}

func (s *Server) setEngineVolume(c echo.Context) error {
	if s.engine == nil {
		return s.handleError(c, nil, "no engine", http.StatusNotFound)
	}
	v, err := bindVolume(c)
	if err != nil {
		return s.handleError(c, err, "invalid volume request", http.StatusBadRequest)
	}
	s.engine.SetVolume(v)
	return s.controlOK(c, "set_engine_volume", "engine volume set")
}

func bindVolume(c echo.Context) (float32, error) {
	var req VolumeRequest
	if err := c.Bind(&req); err != nil {
		return 0, errors.New(err).
			Component("httpserver").
			Category(errors.CategoryValidation).
			Context("operation", "bind_volume").
			Build()
	}
	if req.Volume == nil {
		return 0, errors.ValidationError("volume is required")
	}
	if *req.Volume < 0 {
		return 0, errors.New(device.ErrInvalidVolume).
			Component("httpserver").
			Category(errors.CategoryValidation).
			Context("volume", *req.Volume).
			Build()
	}
	return *req.Volume, nil
}

func (s *Server) controlOK(c echo.Context, action, message string) error {
	return c.JSON(http.StatusOK, ControlResult{
		Success:   true,
		Message:   message,
		Action:    action,
		Timestamp: time.Now(),
	})
}

// handleError logs err and writes an ErrorResponse with code.
func (s *Server) handleError(c echo.Context, err error, message string, code int) error {
	resp := ErrorResponse{
		Message:       message,
		Code:          code,
		CorrelationID: uuid.NewString()[:8],
	}
	if err != nil {
		resp.Error = err.Error()
		c.Set(errorTypeKey, string(errors.CategoryOf(err)))
	} else {
		resp.Error = message
		c.Set(errorTypeKey, string(errors.CategoryNotFound))
	}

	s.log.Warn("API error",
		logger.String("correlation_id", resp.CorrelationID),
		logger.String("message", message),
		logger.Int("code", code),
		logger.String("path", c.Path()),
		logger.String("error", resp.Error))
	return c.JSON(code, resp)
}

// statusFor maps an error category to an HTTP status.
func statusFor(err error) int {
	switch errors.CategoryOf(err) {
	case errors.CategoryValidation:
		return http.StatusBadRequest
	case errors.CategoryState:
		return http.StatusConflict
	case errors.CategoryAudioDevice:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
