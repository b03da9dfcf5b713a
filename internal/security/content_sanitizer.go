package security

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"strings"
	"unicode/utf8"

	"github.com/hitoshi/paygate/internal/canonical"
	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はユーザー入力のプレーンテキストからHTMLを除去する。
// 事業者名やメタデータの文字列値をダッシュボード表示やWebhookに流す前に使う。
type TextSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はタグを一切許可しないStrictPolicyでTextSanitizerを生成する。
func NewTextSanitizer() *TextSanitizer {
	return &TextSanitizer{policy: bluemonday.StrictPolicy()}
}

// SanitizeText はタグを除去し、bluemondayがエスケープした実体参照を元に戻して前後の空白を削る。
// 出力はHTMLとしてではなくJSONの文字列値として扱われる前提。
func (s *TextSanitizer) SanitizeText(raw string) string {
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(raw)))
}

// SanitizeName はSanitizeTextの結果がmaxRunes文字を超える場合にエラーを返す。
func (s *TextSanitizer) SanitizeName(raw string, maxRunes int) (string, error) {
	name := s.SanitizeText(raw)
	if utf8.RuneCountInString(name) > maxRunes {
		return "", fmt.Errorf("name exceeds %d characters", maxRunes)
	}
	return name, nil
}

// SanitizeMetadata はJSONオブジェクト内のすべての文字列値をSanitizeTextで処理し、
// 正規形のJSONで返す。数値はリテラルのまま保持する。
// 空入力とnullは空オブジェクトになる。オブジェクト以外はエラー。
func (s *TextSanitizer) SanitizeMetadata(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage("{}"), nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("invalid metadata: %w", err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("metadata must be a JSON object")
	}

	out, err := canonical.Marshal(s.walk(obj))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *TextSanitizer) walk(v any) any {
	switch t := v.(type) {
	case string:
		return s.SanitizeText(t)
	case map[string]any:
		for k, child := range t {
			t[k] = s.walk(child)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = s.walk(child)
		}
		return t
	default:
		return v
	}
}
