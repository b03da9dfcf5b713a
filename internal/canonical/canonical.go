// Package canonical は署名対象となるJSONの正規エンコーディングを定義する。
//
// 署名の対象はHTTPリクエストボディのバイト列そのものであり、
// サーバーは受信したボディを再シリアライズしない。
// クライアントとサーバーが同じバイト列を得るため、ボディは次の規則で生成する。
//
//   - UTF-8のJSONオブジェクト
//   - すべての階層でオブジェクトのキーを辞書順（バイト順）に並べる
//   - 余分な空白を含めない
//   - HTMLエスケープ（<, >, &）を行わない
//   - 数値は与えられた表記をそのまま出力する
//
// ボディを持たないリクエスト（GET）は空のバイト列を署名する。
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Marshal はvを正規エンコーディングでJSONに変換する。
// 構造体のフィールド順に依存しないよう、一度汎用値に変換してから出力する。
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}
	return Canonicalize(raw)
}

// Canonicalize は任意のJSONを正規エンコーディングに変換する。
// 数値はjson.Numberとして扱い、表記を変えない。
func Canonicalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to decode json: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("unexpected data after top-level value")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// encoding/jsonはmapのキーをソートして出力する
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode json: %w", err)
	}

	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// IsCanonical はrawがすでに正規エンコーディングかを判定する。
func IsCanonical(raw []byte) bool {
	c, err := Canonicalize(raw)
	if err != nil {
		return false
	}
	return bytes.Equal(c, raw)
}
