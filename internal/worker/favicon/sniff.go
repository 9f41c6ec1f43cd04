package favicon

import (
	"bytes"
	"unicode/utf8"
)

// Verdict は取得したfaviconデータの判定結果。
type Verdict int

const (
	// VerdictStore は画像として認識できたため保存する。
	VerdictStore Verdict = iota
	// VerdictLeave はテキスト系コンテンツのためレコードを空のまま残す。
	// 再解決の試行自体は妨げない。
	VerdictLeave
	// VerdictDelete は画像になり得ない既知のバイナリのためレコードを削除する。
	VerdictDelete
)

type signature struct {
	prefix []byte
	ext    string
}

// iconSignatures は画像として保存するマジックナンバー。
var iconSignatures = []signature{
	{[]byte("\x89PNG"), "png"},
	{[]byte("\x00\x00\x01\x00"), "ico"},
	{[]byte("\x00\x00\x02\x00"), "ico"}, // Windowsカーソル。ICOと互換
	{[]byte("GIF8"), "gif"},
	{[]byte("\xff\xd8\xff"), "jpg"},
	{[]byte("BM"), "bmp"},
	{[]byte("II*\x00"), "tiff"},
	{[]byte("MM\x00*"), "tiff"},
}

// leaveSignatures はアイコンとしては使えないがレコードは温存するコンテンツの
// マジックナンバー。圧縮転送や変わった形式で配信している可能性があり、
// 再解決の機会を残す。
var leaveSignatures = [][]byte{
	[]byte("\x1f\x8b"), // gzip
	[]byte("8BPS"),     // Photoshop
}

// rejectSignatures は画像になり得ない既知のバイナリのマジックナンバー。
var rejectSignatures = [][]byte{
	[]byte("MZ"),         // Windows実行ファイル
	[]byte("\x7fELF"),    // ELF実行ファイル
	[]byte("%PDF"),       // PDF
	[]byte("PK\x03\x04"), // ZIP
	[]byte("OggS"),       // Ogg
}

// Sniff はfaviconとして取得したデータのマジックナンバーを判定する。
// 画像であれば保存用の拡張子を返す。HTMLやプレーンテキストが返ってくる
// 配信元（エラーページをfaviconのURLで返すなど）はVerdictLeaveとし、
// 実行ファイル等の既知の非画像バイナリはVerdictDeleteとする。
// マジックナンバーが未知の生データはICOヘッダーを持たない古いアイコンと
// みなしてicoとして保存する。
func Sniff(data []byte) (Verdict, string) {
	if len(data) == 0 {
		return VerdictLeave, ""
	}

	for _, sig := range iconSignatures {
		if bytes.HasPrefix(data, sig.prefix) {
			return VerdictStore, sig.ext
		}
	}

	for _, sig := range leaveSignatures {
		if bytes.HasPrefix(data, sig) {
			return VerdictLeave, ""
		}
	}

	for _, sig := range rejectSignatures {
		if bytes.HasPrefix(data, sig) {
			return VerdictDelete, ""
		}
	}

	if looksTextual(data) {
		return VerdictLeave, ""
	}

	return VerdictStore, "ico"
}

// looksTextual はデータがテキスト系コンテンツ（HTML、XML、プレーンテキスト）かを判定する。
func looksTextual(data []byte) bool {
	// BOM付きテキスト
	for _, bom := range [][]byte{
		{0xef, 0xbb, 0xbf},
		{0xfe, 0xff},
		{0xff, 0xfe},
	} {
		if bytes.HasPrefix(data, bom) {
			return true
		}
	}

	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return true
	}
	// HTML、XML宣言、PHPの出力はすべて'<'で始まる
	if trimmed[0] == '<' {
		return true
	}

	sample := data
	if len(sample) > 512 {
		sample = sample[:512]
	}
	if !utf8.Valid(sample) {
		return false
	}
	for _, b := range sample {
		if b < 0x09 || (b > 0x0d && b < 0x20) {
			return false
		}
	}
	return true
}
