// Package crosschain expõe o coordenador por HTTP/JSON.
//
// O núcleo fica em crosschain/{domain,application,infra}; aqui só há tradução
// de request/response, no mesmo papel do middleware de rate limit.
package crosschain

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bridge-gateway/crosschain/application"
	"bridge-gateway/crosschain/domain"

	"github.com/sirupsen/logrus"
)

// Coordinator é o que o handler usa de *application.Coordinator.
type Coordinator interface {
	RequestOperation(ctx context.Context, req domain.OperationRequest) (domain.Decision, error)
	CompleteOperation(ctx context.Context, id string, success bool, metadata map[string]string) error
	WithdrawOperation(ctx context.Context, id string) error
	OperationStatus(id string) (domain.OperationStatus, bool)
	Stats() application.Stats
}

type HandlerOptions struct {
	// UserHeader identifica o usuário (padrão X-User-Id). Sem header, usa userId do corpo.
	UserHeader string
	Logger     logrus.FieldLogger
}

type handler struct {
	coord      Coordinator
	userHeader string
	log        logrus.FieldLogger
}

// NewHandler monta as rotas relativas à raiz; use http.StripPrefix para montar sob um prefixo.
func NewHandler(coord Coordinator, opts HandlerOptions) http.Handler {
	if opts.UserHeader == "" {
		opts.UserHeader = "X-User-Id"
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	h := &handler{coord: coord, userHeader: opts.UserHeader, log: opts.Logger.WithField("component", "crosschain-http")}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /operations", h.request)
	mux.HandleFunc("GET /operations/{id}", h.status)
	mux.HandleFunc("POST /operations/{id}/complete", h.complete)
	mux.HandleFunc("DELETE /operations/{id}", h.withdraw)
	mux.HandleFunc("GET /stats", h.stats)
	return mux
}

type operationBody struct {
	ID                string            `json:"id"`
	UserID            string            `json:"userId"`
	Type              string            `json:"type"`
	SourceChain       string            `json:"sourceChain"`
	DestinationChain  string            `json:"destinationChain"`
	Value             string            `json:"value"`
	Priority          int               `json:"priority"`
	EstimatedDuration string            `json:"estimatedDuration"`
	Dependencies      []string          `json:"dependencies"`
	Metadata          map[string]string `json:"metadata"`
}

type decisionBody struct {
	Allowed        bool    `json:"allowed"`
	Queued         bool    `json:"queued"`
	OperationID    string  `json:"operationId,omitempty"`
	Reason         string  `json:"reason,omitempty"`
	RetryAfter     float64 `json:"retryAfterSeconds,omitempty"`
	EstimatedDelay float64 `json:"estimatedDelaySeconds,omitempty"`
	QueuePosition  int     `json:"queuePosition,omitempty"`
}

type statusBody struct {
	ID               string   `json:"id"`
	UserID           string   `json:"userId"`
	Type             string   `json:"type"`
	State            string   `json:"state"`
	ChainID          string   `json:"chainId"`
	Position         int      `json:"position,omitempty"`
	SourceChain      string   `json:"sourceChain"`
	DestinationChain string   `json:"destinationChain"`
	Value            string   `json:"value"`
	Priority         int      `json:"priority"`
	Cost             int64    `json:"cost"`
	Dependencies     []string `json:"dependencies,omitempty"`
}

type completeBody struct {
	Success  bool              `json:"success"`
	Metadata map[string]string `json:"metadata"`
}

func (h *handler) request(w http.ResponseWriter, r *http.Request) {
	var body operationBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	req, err := h.toRequest(r, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	d, err := h.coord.RequestOperation(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}

	status := http.StatusCreated
	switch {
	case d.Queued:
		status = http.StatusAccepted
	case !d.Allowed:
		status = statusForReason(d.Reason)
		if d.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
		}
	}
	writeJSON(w, status, decisionBody{
		Allowed:        d.Allowed,
		Queued:         d.Queued,
		OperationID:    d.OperationID,
		Reason:         d.Reason,
		RetryAfter:     d.RetryAfter.Seconds(),
		EstimatedDelay: d.EstimatedDelay.Seconds(),
		QueuePosition:  d.QueuePosition,
	})
}

func (h *handler) toRequest(r *http.Request, b operationBody) (domain.OperationRequest, error) {
	user := strings.TrimSpace(r.Header.Get(h.userHeader))
	if user == "" {
		user = b.UserID
	}
	value, err := domain.ParseValue(b.Value)
	if err != nil {
		return domain.OperationRequest{}, err
	}
	var est time.Duration
	if b.EstimatedDuration != "" {
		if est, err = time.ParseDuration(b.EstimatedDuration); err != nil {
			return domain.OperationRequest{}, errors.New("invalid estimatedDuration")
		}
	}
	return domain.OperationRequest{
		ID:                b.ID,
		UserID:            user,
		Type:              domain.OperationType(b.Type),
		SourceChain:       b.SourceChain,
		DestinationChain:  b.DestinationChain,
		Value:             value,
		Priority:          b.Priority,
		EstimatedDuration: est,
		Dependencies:      b.Dependencies,
		Metadata:          b.Metadata,
	}, nil
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	st, ok := h.coord.OperationStatus(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown operation")
		return
	}
	op := st.Operation
	value := ""
	if op.Value != nil {
		value = op.Value.String()
	}
	writeJSON(w, http.StatusOK, statusBody{
		ID:               op.ID,
		UserID:           op.UserID,
		Type:             string(op.Type),
		State:            string(st.State),
		ChainID:          st.ChainID,
		Position:         st.Position,
		SourceChain:      op.SourceChain,
		DestinationChain: op.DestinationChain,
		Value:            value,
		Priority:         op.Priority,
		Cost:             op.Cost,
		Dependencies:     op.Dependencies,
	})
}

func (h *handler) complete(w http.ResponseWriter, r *http.Request) {
	var body completeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if err := h.coord.CompleteOperation(r.Context(), r.PathValue("id"), body.Success, body.Metadata); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) withdraw(w http.ResponseWriter, r *http.Request) {
	if err := h.coord.WithdrawOperation(r.Context(), r.PathValue("id")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.coord.Stats())
}

func (h *handler) fail(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		h.log.WithError(err).Error("crosschain request failed")
	}
	writeError(w, status, err.Error())
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnknownOperation):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrOperationQueued), errors.Is(err, domain.ErrOperationActive):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidOperation), errors.Is(err, domain.ErrUnknownChain):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// statusForReason: limites do chamador => 429; indisponibilidade do sistema => 503.
func statusForReason(reason string) int {
	switch reason {
	case domain.ReasonBreakerOpen, domain.ReasonQueueFull, domain.ReasonInsufficientCapacity,
		domain.ReasonGlobalLimit, domain.ReasonInternalError:
		return http.StatusServiceUnavailable
	}
	return http.StatusTooManyRequests
}

// IsFailureStatus serve de ratelimit.Options.IsFailure na frente deste handler:
// 503 aqui é rejeição de admissão, não defeito do serviço.
func IsFailureStatus(status int) bool {
	return status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
