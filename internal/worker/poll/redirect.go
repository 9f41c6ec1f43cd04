package poll

import (
	"net/http"
	"strings"
)

// redirectHop はリダイレクトチェーンの1ホップを表す。
type redirectHop struct {
	statusCode int
	target     string
}

// redirectHops はレスポンスに至るまでのリダイレクトチェーンを古い順に返す。
// net/httpはリダイレクト追跡時に各リクエストのResponseフィールドへ
// 直前のレスポンスを設定するため、最終レスポンスから逆順に辿れる。
func redirectHops(resp *http.Response) []redirectHop {
	var hops []redirectHop
	for req := resp.Request; req != nil && req.Response != nil; req = req.Response.Request {
		prev := req.Response
		hops = append([]redirectHop{{
			statusCode: prev.StatusCode,
			target:     req.URL.String(),
		}}, hops...)
	}
	return hops
}

// permanentRedirectTarget は恒久移転先のURLを返す。
// チェーン先頭から301が連続する区間のみを辿り、最後の301の行き先を採用する。
// 途中に一時リダイレクトが挟まった時点で打ち切る。移転先が元のURLと
// 同一の場合（すでに移行済みなど）は空文字を返す。
func permanentRedirectTarget(requestURL string, hops []redirectHop) string {
	target := ""
	for _, hop := range hops {
		if hop.statusCode != http.StatusMovedPermanently {
			break
		}
		target = hop.target
	}
	if target == requestURL {
		return ""
	}
	return target
}

// isFeedContentType は移転先のContent-Typeがフィードらしいかを判定する。
// HTMLページへ飛ばすリダイレクト（メンテナンスページ等）でのソース移行を防ぐ。
func isFeedContentType(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.HasPrefix(ct, "application") ||
		strings.HasPrefix(ct, "text/xml") ||
		strings.HasPrefix(ct, "text/rss")
}
