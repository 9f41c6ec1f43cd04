// Package handler はHTTP APIのハンドラーを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hitoshi/feedpulse/internal/subscription"
)

// errorResponse はAPIエラーレスポンスのボディ。
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// writeError はエラーレスポンスを書き込む。
func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	writeJSON(w, statusCode, errorResponse{Code: code, Message: message})
}

// handleServiceError はサービス層のエラーをHTTPステータスへ変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, subscription.ErrInvalidURL):
		writeError(w, http.StatusBadRequest, "invalid_url", "フィードURLが不正です。")
	case errors.Is(err, subscription.ErrAlreadySubscribed):
		writeError(w, http.StatusConflict, "already_subscribed", "すでに購読しています。")
	case errors.Is(err, subscription.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "対象が見つかりません。")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "内部エラーが発生しました。")
	}
}
