package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/gridion/gridion-ai/internal/dispatch"
	"github.com/gridion/gridion-ai/internal/models"
	"github.com/gridion/gridion-ai/internal/sampling"
)

var knownAgents = map[models.AgentType]bool{
	models.AgentRegimeClassifier:   true,
	models.AgentSignalValidator:    true,
	models.AgentAnomalyDetector:    true,
	models.AgentPortfolioOptimizer: true,
}

// samplingRequest is the POST /api/v1/sampling/{agentType} body.
type samplingRequest struct {
	Strategy string             `json:"strategy"`
	Config   map[string]float64 `json:"config"`
}

// handleSampling configures or inspects one agent's sampling policy.
func (s *Server) handleSampling(w http.ResponseWriter, r *http.Request) {
	agent := models.AgentType(strings.TrimPrefix(r.URL.Path, "/api/v1/sampling/"))
	if !knownAgents[agent] {
		writeError(w, http.StatusNotFound, "unknown agent type %q", agent)
		return
	}

	switch r.Method {
	case http.MethodGet:
		policy, err := s.comp.Sampler.GetPolicy(r.Context(), agent)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "cannot load policy: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, policy)

	case http.MethodPost:
		var req samplingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}

		err := s.comp.Sampler.Configure(r.Context(), agent, sampling.Strategy(req.Strategy), req.Config)
		if err != nil {
			if models.IsValidation(err) {
				writeError(w, http.StatusBadRequest, "%v", err)
				return
			}
			writeError(w, http.StatusServiceUnavailable, "cannot save policy: %v", err)
			return
		}

		s.log.Info("sampling policy configured",
			zap.String("agent", string(agent)),
			zap.String("strategy", req.Strategy))
		policy, err := s.comp.Sampler.GetPolicy(r.Context(), agent)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]string{"status": "configured"})
			return
		}
		writeJSON(w, http.StatusOK, policy)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleThresholds reads or partially updates the event thresholds.
func (s *Server) handleThresholds(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.comp.Dispatcher.Thresholds(r.Context()))

	case http.MethodPut:
		var patch dispatch.ThresholdsPatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}

		next, err := s.comp.Dispatcher.UpdateThresholds(r.Context(), patch)
		if err != nil {
			if models.IsValidation(err) {
				writeError(w, http.StatusBadRequest, "%v", err)
				return
			}
			writeError(w, http.StatusServiceUnavailable, "cannot persist thresholds: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, next)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleCache clears cached entries. Scope selects response, prompt, or all.
func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	scope := r.URL.Query().Get("scope")
	if scope == "" {
		scope = "all"
	}

	cleared := map[string]int{}
	switch scope {
	case "response":
		n, err := s.comp.Responses.Clear(r.Context())
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "clear failed: %v", err)
			return
		}
		cleared["response"] = n
	case "prompt":
		n, err := s.comp.Prompts.Clear(r.Context())
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "clear failed: %v", err)
			return
		}
		cleared["prompt"] = n
	case "all":
		rn, err := s.comp.Responses.Clear(r.Context())
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "clear failed: %v", err)
			return
		}
		pn, err := s.comp.Prompts.Clear(r.Context())
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "clear failed: %v", err)
			return
		}
		cleared["response"], cleared["prompt"] = rn, pn
	default:
		writeError(w, http.StatusBadRequest, "invalid scope %q, must be response, prompt, or all", scope)
		return
	}

	s.log.Info("cache cleared", zap.String("scope", scope), zap.Any("entries", cleared))
	writeJSON(w, http.StatusOK, map[string]interface{}{"cleared": cleared})
}

// handleCosts returns the current cost aggregates.
func (s *Server) handleCosts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats, err := s.comp.Costs.GetStats(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "cannot read cost buckets: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleBudget compares current spend to limits. Query parameters daily
// and monthly override the configured defaults.
func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	daily := s.cfg.DailyBudgetUSD
	monthly := s.cfg.MonthlyBudgetUSD
	var err error
	if raw := r.URL.Query().Get("daily"); raw != "" {
		if daily, err = strconv.ParseFloat(raw, 64); err != nil {
			writeError(w, http.StatusBadRequest, "invalid daily limit %q", raw)
			return
		}
	}
	if raw := r.URL.Query().Get("monthly"); raw != "" {
		if monthly, err = strconv.ParseFloat(raw, 64); err != nil {
			writeError(w, http.StatusBadRequest, "invalid monthly limit %q", raw)
			return
		}
	}

	alert, err := s.comp.Costs.CheckBudget(r.Context(), daily, monthly)
	if err != nil {
		if models.IsValidation(err) {
			writeError(w, http.StatusBadRequest, "%v", err)
			return
		}
		if errors.Is(err, models.ErrStoreUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}

	if len(alert.Alerts) > 0 {
		s.hub.Broadcast(StreamTypeBudgetAlert, alert)
	}
	writeJSON(w, http.StatusOK, alert)
}
