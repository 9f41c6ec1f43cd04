// Package model はドメインモデルを定義する。
package model

import "crypto/md5"

// Colors は購読の表示色パレット。
var Colors = []string{
	"red",
	"dark-red",
	"pale-green",
	"green",
	"army-green",
	"pale-blue",
	"blue",
	"dark-blue",
	"orange",
	"dark-orange",
	"black",
	"gray",
}

// ColorForURL はソースURLから表示色を決定的に導出する。
// MD5ダイジェストの先頭ニブルをパレットに写像する。
func ColorForURL(url string) string {
	sum := md5.Sum([]byte(url))
	index := int(sum[0]>>4) * len(Colors) / 16
	return Colors[index]
}
