package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/verifybridge/internal/middleware"
	"github.com/hitoshi/verifybridge/internal/model"
	"github.com/hitoshi/verifybridge/internal/signal"
)

// SignalHandler は共有シグナルストアをHTTPで公開する。
// 名前空間はリクエストの端末IDで、他の端末の値には触れられない。
type SignalHandler struct {
	signals signal.Provider
}

// NewSignalHandler はSignalHandlerを生成する。
func NewSignalHandler(signals signal.Provider) *SignalHandler {
	return &SignalHandler{signals: signals}
}

type signalResponse struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type putSignalRequest struct {
	Value string `json:"value"`
}

// Get はキーの値を返す。
// GET /api/signals/{key}
func (h *SignalHandler) Get(w http.ResponseWriter, r *http.Request) {
	key, ok := signalKey(w, r)
	if !ok {
		return
	}

	value, found, err := h.store(r).Get(r.Context(), key)
	if err != nil {
		slog.Error("failed to get signal", slog.String("key", key), slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	if !found {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewSignalNotFoundError(key))
		return
	}

	writeJSON(w, http.StatusOK, signalResponse{Key: key, Value: value})
}

// Put はキーに値を書き込む。後勝ちで上書きする。
// PUT /api/signals/{key}
func (h *SignalHandler) Put(w http.ResponseWriter, r *http.Request) {
	key, ok := signalKey(w, r)
	if !ok {
		return
	}

	var req putSignalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeInvalidBody(w)
		return
	}

	if err := h.store(r).Set(r.Context(), key, req.Value); err != nil {
		if errors.Is(err, signal.ErrInvalidKey) {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidInputError("key"))
			return
		}
		slog.Error("failed to set signal", slog.String("key", key), slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Delete はキーを削除する。存在しなくても成功とする。
// DELETE /api/signals/{key}
func (h *SignalHandler) Delete(w http.ResponseWriter, r *http.Request) {
	key, ok := signalKey(w, r)
	if !ok {
		return
	}

	if err := h.store(r).Delete(r.Context(), key); err != nil {
		slog.Error("failed to delete signal", slog.String("key", key), slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Clear は名前空間の全キーを削除する。
// DELETE /api/signals
func (h *SignalHandler) Clear(w http.ResponseWriter, r *http.Request) {
	if err := h.store(r).Clear(r.Context()); err != nil {
		slog.Error("failed to clear signals", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SignalHandler) store(r *http.Request) signal.Store {
	return h.signals.For(middleware.DeviceIDFromContext(r.Context()))
}

func signalKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := chi.URLParam(r, "key")
	if err := signal.ValidateKey(key); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidInputError("key"))
		return "", false
	}
	return key, true
}
