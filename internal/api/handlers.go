package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/internal/failover"
	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/internal/intent"
	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/internal/model"
)

func (s *Server) healthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		catalog := s.catalog.Current()
		c.JSON(http.StatusOK, gin.H{
			"status":          "healthy",
			"timestamp":       s.now().UTC().Format(time.RFC3339),
			"version":         s.opts.Version,
			"catalog_version": catalog.Version,
		})
	}
}

func (s *Server) readyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		checks := make(map[string]string, len(s.opts.Ready))
		ready := true
		for name, check := range s.opts.Ready {
			if err := check(ctx); err != nil {
				checks[name] = err.Error()
				ready = false
				continue
			}
			checks[name] = "ok"
		}

		if !ready {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "not_ready",
				"checks": checks,
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":    "ready",
			"checks":    checks,
			"timestamp": s.now().UTC().Format(time.RFC3339),
		})
	}
}

func (s *Server) listServicesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		services := s.catalog.Current().Services()
		c.JSON(http.StatusOK, gin.H{
			"services": services,
			"count":    len(services),
		})
	}
}

func (s *Server) assessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		r, err := s.parseRange(c)
		if err != nil {
			s.respondError(c, err)
			return
		}
		snap, err := s.health.Assess(c.Request.Context(), c.Param("service"), r)
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, snap)
	}
}

func (s *Server) deploymentsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		r, err := s.parseRange(c)
		if err != nil {
			s.respondError(c, err)
			return
		}
		events, err := s.health.Deployments(c.Request.Context(), c.Param("service"), r)
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"service":     c.Param("service"),
			"range":       r,
			"deployments": events,
			"count":       len(events),
		})
	}
}

func (s *Server) incidentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		r, err := s.parseRange(c)
		if err != nil {
			s.respondError(c, err)
			return
		}
		report, err := s.health.Correlate(c.Request.Context(), c.Param("service"), r)
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

func (s *Server) historyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		service := c.Param("service")
		if _, err := s.catalog.Current().Service(service); err != nil {
			s.respondError(c, err)
			return
		}
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
		if err != nil || limit <= 0 {
			s.respondError(c, model.Validation(model.ReasonInvalidRequest, "limit must be a positive integer"))
			return
		}

		records, err := s.failover.History(c.Request.Context(), service, limit)
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"service": service,
			"records": records,
			"count":   len(records),
		})
	}
}

func (s *Server) proposeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req failover.Request
		if err := c.ShouldBindJSON(&req); err != nil {
			s.respondError(c, model.Validation(model.ReasonInvalidRequest, "invalid request body: %v", err))
			return
		}
		a, err := s.failover.Propose(c.Request.Context(), req)
		s.respondAction(c, a, err)
	}
}

func (s *Server) getFailoverHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		a, err := s.failover.Get(ctx, c.Param("id"))
		if err != nil {
			s.respondError(c, err)
			return
		}
		trail, err := s.failover.Trail(ctx, a.ID)
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"action": a,
			"trail":  trail,
		})
	}
}

type resolveBody struct {
	Decision model.Decision `json:"decision"`
	Approver string         `json:"approver"`
}

func (s *Server) resolveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var body resolveBody
		if err := c.ShouldBindJSON(&body); err != nil {
			s.respondError(c, model.Validation(model.ReasonInvalidRequest, "invalid request body: %v", err))
			return
		}
		a, err := s.failover.Resolve(c.Request.Context(), c.Param("id"), body.Decision, body.Approver)
		s.respondAction(c, a, err)
	}
}

type actorBody struct {
	RequestedBy string `json:"requested_by"`
}

func (s *Server) cancelHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var body actorBody
		if err := c.ShouldBindJSON(&body); err != nil {
			s.respondError(c, model.Validation(model.ReasonInvalidRequest, "invalid request body: %v", err))
			return
		}
		a, err := s.failover.Cancel(c.Request.Context(), c.Param("id"), body.RequestedBy)
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"action": a})
	}
}

func (s *Server) rollbackHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var body actorBody
		if err := c.ShouldBindJSON(&body); err != nil {
			s.respondError(c, model.Validation(model.ReasonInvalidRequest, "invalid request body: %v", err))
			return
		}
		a, err := s.failover.Rollback(c.Request.Context(), c.Param("id"), body.RequestedBy)
		s.respondAction(c, a, err)
	}
}

func (s *Server) respondAction(c *gin.Context, a *model.FailoverAction, err error) {
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(actionStatus(a), gin.H{"action": a})
}

type askBody struct {
	Question    string `json:"question"`
	RequestedBy string `json:"requested_by"`
}

// askHandler classifies a free-text question, re-validates the result and
// runs it. The classifier never supplies the caller's identity.
func (s *Server) askHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.classifier == nil {
			s.respondError(c, model.Configuration(model.ReasonProviderNotConfigured, "no intent provider configured"))
			return
		}
		var body askBody
		if err := c.ShouldBindJSON(&body); err != nil {
			s.respondError(c, model.Validation(model.ReasonInvalidRequest, "invalid request body: %v", err))
			return
		}

		ctx := c.Request.Context()
		req, err := s.classifier.Classify(ctx, body.Question)
		if err != nil {
			s.respondError(c, err)
			return
		}
		req.RequestedBy = body.RequestedBy

		v, err := intent.Validate(s.catalog.Current(), req, s.now().UTC(), s.health.MaxRange())
		if err != nil {
			s.logger.Info("Rejected classified request",
				zap.String("kind", string(req.Kind)),
				zap.String("service", req.Service),
				zap.Error(err))
			s.respondError(c, err)
			return
		}

		switch v.Kind {
		case intent.KindAssessHealth:
			snap, err := s.health.Assess(ctx, v.Service.Name, v.Range)
			s.respondAsk(c, req, snap, err)
		case intent.KindQueryDeployments:
			report, err := s.health.Correlate(ctx, v.Service.Name, v.Range)
			s.respondAsk(c, req, report, err)
		case intent.KindProposeFailover:
			a, err := s.failover.Propose(ctx, failover.Request{
				Service:     v.Service.Name,
				Source:      v.Source,
				Target:      v.Target,
				RequestedBy: v.RequestedBy,
			})
			if err != nil {
				s.respondError(c, err)
				return
			}
			c.JSON(actionStatus(a), gin.H{"request": req, "result": a})
		case intent.KindResolve:
			a, err := s.failover.Resolve(ctx, v.ActionID, v.Decision, v.RequestedBy)
			if err != nil {
				s.respondError(c, err)
				return
			}
			c.JSON(actionStatus(a), gin.H{"request": req, "result": a})
		}
	}
}

func (s *Server) respondAsk(c *gin.Context, req intent.Request, result any, err error) {
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": req, "result": result})
}
