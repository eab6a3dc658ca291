package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"puenjai/internal/domain"
	"puenjai/internal/usecase"
)

const defaultMaxBodyBytes = 1 << 20

// User-facing error messages. Details stay in the logs.
const (
	msgInvalidBody   = "Invalid request body"
	msgBodyTooLarge  = "Request body too large"
	msgConverseError = "Sorry, there was an error with the AI server after multiple attempts."
	msgHistoryError  = "Failed to fetch history"
	msgNotFound      = "Endpoint not found"
)

type ConsoleUseCase interface {
	Converse(ctx context.Context, in usecase.ConverseInput) (usecase.ConverseOutput, error)
	History(ctx context.Context) ([]domain.ConversationRecord, error)
}

type Handler struct {
	uc           ConsoleUseCase
	log          *zap.Logger
	maxBodyBytes int64
}

type Option func(*Handler)

// WithMaxBodyBytes bounds the size of a POST body. Non-positive values are ignored.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBodyBytes = n
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(h *Handler) {
		if log != nil {
			h.log = log
		}
	}
}

func NewHandler(uc ConsoleUseCase, opts ...Option) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: console use case must not be nil")
	}
	h := &Handler{uc: uc, log: zap.NewNop(), maxBodyBytes: defaultMaxBodyBytes}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type consoleRequest struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

var errNotAnObject = errors.New("body is not a single JSON object")

// decodeConsoleRequest accepts exactly one JSON object, optionally surrounded
// by whitespace.
func decodeConsoleRequest(body io.Reader) (consoleRequest, error) {
	dec := json.NewDecoder(body)
	var req *consoleRequest
	if err := dec.Decode(&req); err != nil {
		return consoleRequest{}, err
	}
	if req == nil {
		return consoleRequest{}, errNotAnObject
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return consoleRequest{}, err
		}
		return consoleRequest{}, errNotAnObject
	}
	return *req, nil
}

type consoleResponse struct {
	Reply string `json:"reply"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) Console(w http.ResponseWriter, r *http.Request) {
	log := h.requestLogger(r)

	req, err := decodeConsoleRequest(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, msgBodyTooLarge)
			return
		}
		log.Info("rejected console request", zap.Error(err))
		writeError(w, http.StatusBadRequest, msgInvalidBody)
		return
	}

	out, err := h.uc.Converse(r.Context(), usecase.ConverseInput{Name: req.Name, Message: req.Message})
	if err != nil {
		fields := []zap.Field{zap.Error(err)}
		var ucErr *usecase.Error
		if errors.As(err, &ucErr) {
			fields = append(fields, zap.String("code", string(ucErr.Code)), zap.String("reason", ucErr.Reason))
		}
		if out.RecordID != "" {
			fields = append(fields, zap.String("record_id", out.RecordID))
		}
		log.Error("console exchange failed", fields...)
		writeError(w, http.StatusInternalServerError, msgConverseError)
		return
	}

	writeJSON(w, http.StatusOK, consoleResponse{Reply: out.Reply})
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	records, err := h.uc.History(r.Context())
	if err != nil {
		h.requestLogger(r).Error("history fetch failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, msgHistoryError)
		return
	}
	if records == nil {
		records = []domain.ConversationRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) NotFound(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusNotFound, msgNotFound)
}

func (h *Handler) requestLogger(r *http.Request) *zap.Logger {
	if id := CorrelationID(r.Context()); id != "" {
		return h.log.With(zap.String("correlation_id", id))
	}
	return h.log
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
