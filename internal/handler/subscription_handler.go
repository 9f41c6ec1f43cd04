package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/feedpulse/internal/middleware"
	"github.com/hitoshi/feedpulse/internal/model"
	"github.com/hitoshi/feedpulse/internal/subscription"
)

// defaultEntryLimit は記事一覧のデフォルト取得件数。
const defaultEntryLimit = 50

// SubscriptionServiceInterface は購読ハンドラーが必要とするサービスインターフェース。
type SubscriptionServiceInterface interface {
	// Subscribe はオーナーのフィード購読を登録する。
	Subscribe(ctx context.Context, ownerID, feedURL, title string) (*model.Subscription, error)
	// List はオーナーの購読一覧を色名付きで返す。
	List(ctx context.Context, ownerID string) ([]subscription.SubscriptionView, error)
	// Entries は購読の記事一覧を返す。
	Entries(ctx context.Context, ownerID, subscriptionID string, limit int) ([]*model.Entry, error)
	// ResumeSource はミュートされたソースを復帰させる。
	ResumeSource(ctx context.Context, sourceURL string) error
}

// SubscriptionHandler は購読管理のHTTPハンドラー。
type SubscriptionHandler struct {
	service SubscriptionServiceInterface
}

// NewSubscriptionHandler はSubscriptionHandlerを生成する。
func NewSubscriptionHandler(service SubscriptionServiceInterface) *SubscriptionHandler {
	return &SubscriptionHandler{
		service: service,
	}
}

// subscribeRequest は購読登録リクエストのボディ。
type subscribeRequest struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// resumeRequest はソース復帰リクエストのボディ。
type resumeRequest struct {
	URL string `json:"url"`
}

// subscriptionResponse は購読情報のAPIレスポンス。
type subscriptionResponse struct {
	ID          string    `json:"id"`
	SourceURL   string    `json:"source_url"`
	Title       string    `json:"title"`
	UnreadCount int       `json:"unread_count"`
	Favicon     string    `json:"favicon,omitempty"`
	Color       string    `json:"color,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// entryResponse は記事のAPIレスポンス。
type entryResponse struct {
	ID      string    `json:"id"`
	Title   string    `json:"title"`
	Body    string    `json:"body"`
	Link    string    `json:"link"`
	Author  string    `json:"author,omitempty"`
	Date    time.Time `json:"date"`
	Read    bool      `json:"read"`
	Starred bool      `json:"starred"`
}

// ownerID はリクエストからオーナーIDを取り出す。
func ownerID(r *http.Request) string {
	return r.Header.Get(middleware.OwnerIDHeader)
}

// Subscribe はフィード購読を登録する。
// POST /api/subscriptions
func (h *SubscriptionHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	if owner == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "オーナーIDが必要です。")
		return
	}

	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "リクエストボディの解析に失敗しました。")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "urlは必須です。")
		return
	}

	sub, err := h.service.Subscribe(r.Context(), owner, req.URL, req.Title)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, subscriptionResponse{
		ID:          sub.ID,
		SourceURL:   sub.SourceURL,
		Title:       sub.Title,
		UnreadCount: sub.UnreadCount,
		Favicon:     sub.Favicon,
		Color:       model.ColorForURL(sub.SourceURL),
		CreatedAt:   sub.CreatedAt,
	})
}

// List はオーナーの購読一覧を取得する。
// GET /api/subscriptions
func (h *SubscriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	if owner == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "オーナーIDが必要です。")
		return
	}

	views, err := h.service.List(r.Context(), owner)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]subscriptionResponse, 0, len(views))
	for _, v := range views {
		resp = append(resp, subscriptionResponse{
			ID:          v.ID,
			SourceURL:   v.SourceURL,
			Title:       v.Title,
			UnreadCount: v.UnreadCount,
			Favicon:     v.Favicon,
			Color:       v.Color,
			CreatedAt:   v.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListEntries は購読の記事一覧を取得する。
// GET /api/subscriptions/{id}/entries
func (h *SubscriptionHandler) ListEntries(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	if owner == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "オーナーIDが必要です。")
		return
	}

	subscriptionID := chi.URLParam(r, "id")

	limit := defaultEntryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limitは正の整数で指定してください。")
			return
		}
		limit = parsed
	}

	entries, err := h.service.Entries(r.Context(), owner, subscriptionID, limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, entryResponse{
			ID:      e.ID,
			Title:   e.Title,
			Body:    e.Body,
			Link:    e.Link,
			Author:  e.Author,
			Date:    e.Date,
			Read:    e.Read,
			Starred: e.Starred,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// ResumeSource はミュートされたソースを復帰させる。
// POST /api/sources/resume
func (h *SubscriptionHandler) ResumeSource(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "urlは必須です。")
		return
	}

	if err := h.service.ResumeSource(r.Context(), req.URL); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
