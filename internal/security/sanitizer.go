// Package security はユーザー入力の無害化を提供する。
//
// 参加先のように後でURLや画面に埋め込まれる短いテキストから、
// bluemondayのStrictPolicyでHTMLを取り除く。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// strictPolicy はすべてのタグを除去する。script/styleは中身ごと捨てる。
// bluemonday.Policyは初期化後の並行利用が安全。
var strictPolicy = bluemonday.StrictPolicy()

// StripTags はHTMLタグを取り除いたプレーンテキストを返す。
// StrictPolicyが行う実体参照へのエスケープは元に戻す。
// 出力先でのエスケープは呼び出し側の責務。
func StripTags(s string) string {
	if s == "" {
		return ""
	}
	return html.UnescapeString(strictPolicy.Sanitize(s))
}

// CleanText はタグを取り除き、前後の空白と制御文字を除去する。
func CleanText(s string) string {
	s = StripTags(s)
	s = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}
