// Package model はドメインモデルを定義する。
package model

import "strconv"

// FetchError はフェッチ失敗理由の閉じたタクソノミー。
// ネットワーク例外クラスまたはHTTPステータスコードのいずれかに由来する。
// バックオフを引き起こすのはこのタクソノミーに含まれる理由のみであり、
// 許可リスト外のステータスコードは成功パスとして扱われる。
type FetchError string

const (
	// FetchErrorGone はHTTP 410。恒久的な消滅でありソースはミュートされる。
	FetchErrorGone FetchError = "gone"
	// FetchErrorTimeout はタイムアウトを含むリクエスト失敗。
	FetchErrorTimeout FetchError = "timeout"
	// FetchErrorParse はソースURL自体が不正でパースできない状態。ミュート対象。
	FetchErrorParse FetchError = "parseerror"
	// FetchErrorConnection はレスポンスが途中で切断された接続エラー。
	FetchErrorConnection FetchError = "connerror"

	// 許可リストに含まれるHTTPステータスコード。タグはステータスコードの文字列そのもの。
	FetchErrorHTTP400 FetchError = "400"
	FetchErrorHTTP401 FetchError = "401"
	FetchErrorHTTP403 FetchError = "403"
	FetchErrorHTTP404 FetchError = "404"
	FetchErrorHTTP500 FetchError = "500"
	FetchErrorHTTP502 FetchError = "502"
	FetchErrorHTTP503 FetchError = "503"
)

// backoffStatusCodes はバックオフを引き起こすHTTPステータスコードの許可リスト。
// これ以外のコード（200/204/304を除く）はログのみで成功パスとして処理を続行する。
var backoffStatusCodes = map[int]FetchError{
	400: FetchErrorHTTP400,
	401: FetchErrorHTTP401,
	403: FetchErrorHTTP403,
	404: FetchErrorHTTP404,
	500: FetchErrorHTTP500,
	502: FetchErrorHTTP502,
	503: FetchErrorHTTP503,
}

// HTTPFetchError はステータスコードに対応するFetchErrorと、
// それが許可リストに含まれるかどうかを返す。
func HTTPFetchError(statusCode int) (FetchError, bool) {
	e, ok := backoffStatusCodes[statusCode]
	return e, ok
}

// Description はUIや診断ログ向けの理由の説明を返す。
// タクソノミーは閉じているため網羅的にマッチする。
func (e FetchError) Description() string {
	switch e {
	case FetchErrorGone:
		return "Feed gone (410)"
	case FetchErrorTimeout:
		return "Feed timed out"
	case FetchErrorParse:
		return "Location parse error"
	case FetchErrorConnection:
		return "Connection error"
	case FetchErrorHTTP400, FetchErrorHTTP401, FetchErrorHTTP403,
		FetchErrorHTTP404, FetchErrorHTTP500, FetchErrorHTTP502, FetchErrorHTTP503:
		return "HTTP " + string(e)
	case "":
		return ""
	}
	if _, err := strconv.Atoi(string(e)); err == nil {
		return "HTTP " + string(e)
	}
	return string(e)
}
