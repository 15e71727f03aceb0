package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/internal/model"
)

// statusFor maps an error to its HTTP status by kind.
func statusFor(err error) int {
	switch model.KindOf(err) {
	case model.KindValidation:
		return http.StatusUnprocessableEntity
	case model.KindConfiguration, model.KindNotFound:
		return http.StatusNotFound
	case model.KindConflict:
		return http.StatusConflict
	case model.KindProviderUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondError(c *gin.Context, err error) {
	status := statusFor(err)
	body := gin.H{
		"error": err.Error(),
		"kind":  model.KindOf(err),
	}
	if reason := model.ReasonOf(err); reason != "" {
		body["reason"] = reason
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
		body["error"] = "internal error"
	}
	c.JSON(status, body)
}

// actionStatus picks the status for an action outcome. Rejection is a
// result, not an error, but clients still need to tell it apart.
func actionStatus(a *model.FailoverAction) int {
	switch {
	case a.State == model.StateApplied || a.State == model.StateRolledBack:
		return http.StatusOK
	case a.PendingApproval:
		return http.StatusAccepted
	case a.State != model.StateRejected:
		return http.StatusOK
	}
	switch a.Reason {
	case model.ReasonConflictingAction:
		return http.StatusConflict
	case model.ReasonProviderFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnprocessableEntity
	}
}

// parseRange reads ?start=&end= (RFC3339) or ?window=, defaulting to the
// configured lookback.
func (s *Server) parseRange(c *gin.Context) (model.TimeRange, error) {
	maxRange := s.health.MaxRange()
	start, end := strings.TrimSpace(c.Query("start")), strings.TrimSpace(c.Query("end"))
	if start != "" || end != "" {
		if start == "" || end == "" {
			return model.TimeRange{}, model.Validation(model.ReasonInvalidTimeRange, "start and end must be given together")
		}
		from, err := time.Parse(time.RFC3339, start)
		if err != nil {
			return model.TimeRange{}, model.Validation(model.ReasonInvalidTimeRange, "invalid start %q: use RFC3339", start)
		}
		to, err := time.Parse(time.RFC3339, end)
		if err != nil {
			return model.TimeRange{}, model.Validation(model.ReasonInvalidTimeRange, "invalid end %q: use RFC3339", end)
		}
		return model.NewTimeRange(from, to, maxRange)
	}

	window := s.opts.DefaultWindow
	if w := c.Query("window"); w != "" {
		d, err := model.ParseWindow(w)
		if err != nil {
			return model.TimeRange{}, err
		}
		window = d
	}
	return model.LastWindow(s.now().UTC(), window, maxRange)
}
