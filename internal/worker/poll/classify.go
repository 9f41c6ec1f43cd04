package poll

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/hitoshi/feedpulse/internal/model"
)

// ClassifyRequestError はネットワーク層の失敗をタクソノミーのタグに分類する。
// タイムアウト（コンテキスト期限切れを含む）はtimeout、
// レスポンスが途中で切断された読み取りはconnerror、
// それ以外のトランスポート失敗はすべてtimeoutとして扱う。
func ClassifyRequestError(err error) model.FetchError {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return model.FetchErrorConnection
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.FetchErrorTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.FetchErrorTimeout
	}

	return model.FetchErrorTimeout
}

// successStatusCodes は成功パスとして扱うステータスコード。
// 許可リスト外かつこの集合にも含まれないコードはログのみで処理を続行する。
var successStatusCodes = map[int]bool{
	200: true,
	204: true,
	304: true,
}

// IsCleanStatus はステータスコードがクリーンな成功（200/204/304）かを返す。
// バックオフ係数の回復はクリーンなレスポンスに対してのみ行われる。
func IsCleanStatus(statusCode int) bool {
	return successStatusCodes[statusCode]
}
