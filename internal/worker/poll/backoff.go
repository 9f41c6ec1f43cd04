package poll

import (
	"log/slog"
	"time"

	"github.com/hitoshi/feedpulse/internal/model"
)

// ApplyBackoff はソースにバックオフを適用する。
// 係数を1増やし（上限MaxBackoff）、失敗理由を記録し、最終試行時刻をスタンプする。
// 上限に到達する場合は診断用に区別してログを出す。
func ApplyBackoff(source *model.Source, reason model.FetchError) {
	if source.BackoffFactor == model.MaxBackoff-1 {
		slog.Debug("ソースがバックオフ上限に到達しました",
			slog.String("url", source.URL),
			slog.String("reason", string(reason)),
		)
	}
	if source.BackoffFactor < model.MaxBackoff {
		source.BackoffFactor++
	}
	source.Error = reason
	source.LastUpdate = time.Now()
}

// ApplyMute はソースをミュートする。
// 410（gone）とソースURL自体のパース不能時のみ使用される。
// ミュートは粘着的であり、外部から明示的に解除されるまで自動復帰しない。
func ApplyMute(source *model.Source, reason model.FetchError) {
	source.Muted = true
	source.Error = reason
	source.LastUpdate = time.Now()
}

// SafeBackoff は直近のレスポンス時間から安全なバックオフ係数を返す。
// マージンを確保する。バックオフはここで増えることはなく、
// レスポンスに10秒以上かかったソースが一気に係数1へ戻るのを避けるためだけに使う。
func SafeBackoff(elapsed time.Duration) int {
	return int(elapsed.Seconds()*1.2/10) + 1
}

// ApplyRecover はクリーンなレスポンス（200/204/304）の後にソースの状態を回復させる。
// 係数は現在値とSafeBackoffの小さい方に設定される。成功パスで増えることはない。
// 前回の失敗理由が記録されていた場合はクリアする。
func ApplyRecover(source *model.Source, elapsed time.Duration) {
	if source.Error != "" {
		source.Error = ""
	}
	if safe := SafeBackoff(elapsed); safe < source.BackoffFactor {
		source.BackoffFactor = safe
	}
	if source.BackoffFactor < 1 {
		source.BackoffFactor = 1
	}
	source.LastUpdate = time.Now()
}
