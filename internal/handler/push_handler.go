package handler

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/feedpulse/internal/worker/poll"
)

// maxPushBodySize はプッシュ配信で受け付けるペイロードの最大バイト数。
const maxPushBodySize = 5 * 1024 * 1024

// PushHandler はPubSubHubbubハブからのコンテンツ配信を受け付ける。
// ペイロードはフィード本文そのものであり、self linkでソースを特定して
// 通常のポーリングと同じ正規化・保存経路へ流す。
type PushHandler struct {
	handoff poll.EntryHandoff
	logger  *slog.Logger
}

// NewPushHandler はPushHandlerを生成する。
func NewPushHandler(handoff poll.EntryHandoff, logger *slog.Logger) *PushHandler {
	return &PushHandler{
		handoff: handoff,
		logger:  logger,
	}
}

// Receive はプッシュ配信されたフィードを受け付ける。
// POST /push
// 受理は常に202で応答する。self linkを持たないペイロードはソースを
// 特定できないため黙って捨てる。
func (h *PushHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPushBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "ペイロードの読み取りに失敗しました。")
		return
	}

	parsed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		h.logger.Warn("プッシュ配信ペイロードのパースに失敗しました",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, "invalid_payload", "フィードとして解析できません。")
		return
	}

	if parsed.FeedLink == "" {
		h.logger.Debug("self linkのないプッシュ配信を破棄します")
		w.WriteHeader(http.StatusAccepted)
		return
	}

	entries := poll.NormalizeItems(parsed)
	if len(entries) > 0 {
		h.handoff.Enqueue(r.Context(), parsed.FeedLink, entries)
		h.logger.Info("プッシュ配信を受理しました",
			slog.String("source_url", parsed.FeedLink),
			slog.Int("entries", len(entries)),
		)
	}

	w.WriteHeader(http.StatusAccepted)
}
