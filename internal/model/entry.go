// Package model はドメインモデルを定義する。
package model

import "time"

// Entry は購読に紐づく保存済み記事を表す。
// 追記専用であり、同一ソースの再フェッチで上書きされることはない。
type Entry struct {
	ID             string
	SubscriptionID string
	Title          string
	Body           string // サニタイズ済みHTML（<div>で包まれた本文）
	Link           string
	Author         string
	Date           time.Time
	GUID           string // 重複排除キー。エントリIDがなければリンク
	Read           bool
	Starred        bool
	CreatedAt      time.Time
}

// NormalizedEntry はエントリ正規化の出力。
// ストレージへの引き渡し前の、購読に紐づかないフラットなレコード。
type NormalizedEntry struct {
	Title  string
	Link   string
	Date   time.Time
	Author string
	GUID   string
	Body   string // 未サニタイズ。<div>で包まれた本文
}
