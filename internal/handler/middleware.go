package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/koopa0/pong-engine/internal/auth"
	apperrors "github.com/koopa0/pong-engine/pkg/errors"
	"github.com/koopa0/pong-engine/pkg/logger"
)

// errorBody 錯誤回應格式
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// statusFor 錯誤碼對應的 HTTP 狀態
func statusFor(code string) int {
	switch code {
	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeAlreadyInSession,
		apperrors.ErrCodeNotJoinable,
		apperrors.ErrCodeOwnSession,
		apperrors.ErrCodeSessionFull,
		apperrors.ErrCodeNotInSession,
		apperrors.ErrCodeNotPlaying,
		apperrors.ErrCodeFinished:
		return http.StatusConflict
	case apperrors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case apperrors.ErrCodeUnauthenticated:
		return http.StatusUnauthorized
	case apperrors.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case apperrors.ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// errorResponse 依錯誤碼返回錯誤響應，內部錯誤不外洩細節
func (h *Handler) errorResponse(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.Code(err)
	status := statusFor(code)

	var body errorBody
	body.Error.Code = code
	body.Error.Message = err.Error()
	if status == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "處理請求失敗",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err)
		body.Error.Message = "internal server error"
	}
	h.jsonResponse(w, body, status)
}

// authenticate 驗證 Bearer token 並把身份放入 context
func (h *Handler) authenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := h.verifier.Verify(auth.TokenFromRequest(r))
		if err != nil {
			h.errorResponse(w, r, err)
			return
		}
		if h.roster != nil {
			h.roster.Remember(identity)
		}

		ctx := auth.WithIdentity(r.Context(), identity)
		ctx = logger.WithPlayerID(ctx, int64(identity.PlayerID))
		h.logger.DebugContext(ctx, "請求已驗證", "path", r.URL.Path)
		next(w, r.WithContext(ctx))
	}
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 包裝 ResponseWriter 以獲取狀態碼
		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(ww, r)

		h.logger.Info("HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("處理請求時發生 panic",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)

				h.errorResponse(w, r, apperrors.New(apperrors.ErrCodeInternal, "panic"))
			}
		}()

		next(w, r)
	}
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
