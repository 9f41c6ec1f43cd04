package poll

import (
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/feedpulse/internal/model"
)

// maxTitleLength はエントリタイトルの最大文字数。
// 超過分は切り詰めて省略記号を付与する。
const maxTitleLength = 255

// NormalizeItems はパース済みフィードの全アイテムを正規化する。
// リンクを持たないアイテムは保存できないため除外される。
func NormalizeItems(parsed *gofeed.Feed) []model.NormalizedEntry {
	entries := make([]model.NormalizedEntry, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		if item == nil || item.Link == "" {
			continue
		}
		entries = append(entries, NormalizeItem(item, parsed))
	}
	return entries
}

// NormalizeItem は単一のフィードアイテムをフラットなレコードへ正規化する。
//   - タイトル: 255文字を超える場合は254文字+省略記号に切り詰める
//   - 日付: 公開日時、なければ更新日時、なければ現在時刻。未来の日付は現在時刻に丸める
//   - 著者: アイテム著者、なければフィードレベルの著者
//   - 本文: content > summary/description の優先順で採用し<div>で包む
//   - GUID: アイテムIDがなければリンクで代用する
func NormalizeItem(item *gofeed.Item, parsed *gofeed.Feed) model.NormalizedEntry {
	return model.NormalizedEntry{
		Title:  normalizeTitle(item.Title),
		Link:   item.Link,
		Date:   entryDate(item),
		Author: entryAuthor(item, parsed),
		GUID:   entryGUID(item),
		Body:   entryBody(item),
	}
}

func normalizeTitle(title string) string {
	runes := []rune(title)
	if len(runes) > maxTitleLength {
		return string(runes[:maxTitleLength-1]) + "…"
	}
	return title
}

func entryDate(item *gofeed.Item) time.Time {
	now := time.Now()

	var date time.Time
	switch {
	case item.PublishedParsed != nil:
		date = *item.PublishedParsed
	case item.UpdatedParsed != nil:
		date = *item.UpdatedParsed
	default:
		return now
	}

	// 壊れた配信元が宣言する未来の日付は現在時刻に丸める
	if date.After(now) {
		return now
	}
	return date
}

func entryAuthor(item *gofeed.Item, parsed *gofeed.Feed) string {
	if len(item.Authors) > 0 && item.Authors[0] != nil && item.Authors[0].Name != "" {
		return item.Authors[0].Name
	}
	if item.Author != nil && item.Author.Name != "" {
		return item.Author.Name
	}
	if parsed != nil {
		if len(parsed.Authors) > 0 && parsed.Authors[0] != nil && parsed.Authors[0].Name != "" {
			return parsed.Authors[0].Name
		}
		if parsed.Author != nil && parsed.Author.Name != "" {
			return parsed.Author.Name
		}
	}
	return ""
}

func entryBody(item *gofeed.Item) string {
	body := item.Description
	if item.Content != "" {
		body = item.Content
	}
	if body == "" {
		return ""
	}
	return "<div>" + body + "</div>"
}

func entryGUID(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	return item.Link
}
