package feedparse

import (
	"bytes"
	"io"
	"regexp"
	"strings"

	"golang.org/x/net/html/charset"
)

const xmlDeclaration = `<?xml version="1.0" encoding="UTF-8"?>`

var (
	utf8BOM = []byte{0xEF, 0xBB, 0xBF}

	// encodingDecl はXML宣言内のencoding属性を捕捉する。
	encodingDecl = regexp.MustCompile(`(?i)(<\?xml[^>]*?encoding\s*=\s*["'])([A-Za-z0-9_\-.:]+)(["'])`)
)

// normalize はパース前の本文を正規化する。
// rawは文字コードをUTF-8に揃えてBOMとNULを除去しただけの本文で、JSONやHTMLの解析に使う。
// markupはさらに必要に応じてXML宣言を補い、エスケープされていない&と
// 実タグでない<を修復したもので、フィード系の抽出器が使う。
func normalize(body []byte) (raw, markup string) {
	body = bytes.TrimPrefix(body, utf8BOM)
	body = decodeCharset(body)
	body = bytes.ReplaceAll(body, []byte{0}, nil)

	raw = strings.TrimPrefix(strings.TrimSpace(string(body)), "\ufeff")

	markup = raw
	lower := strings.ToLower(raw)
	if !strings.HasPrefix(lower, "<?xml") && (strings.Contains(lower, "<rss") || strings.Contains(lower, "<feed")) {
		markup = xmlDeclaration + "\n" + markup
	}
	return raw, repairMarkup(markup)
}

// decodeCharset はXML宣言がUTF-8以外の文字コードを示す場合にUTF-8へ変換し、
// 宣言もUTF-8に書き換える。未知の文字コードはそのまま返す。
func decodeCharset(body []byte) []byte {
	head := body
	if len(head) > 512 {
		head = head[:512]
	}
	m := encodingDecl.FindSubmatch(head)
	if m == nil {
		return body
	}

	label := strings.ToLower(string(m[2]))
	if label == "utf-8" || label == "utf8" {
		return body
	}

	r, err := charset.NewReaderLabel(label, bytes.NewReader(body))
	if err != nil {
		return body
	}
	decoded, err := io.ReadAll(r)
	if err != nil {
		return body
	}

	loc := encodingDecl.FindSubmatchIndex(decoded)
	if loc == nil {
		return decoded
	}
	var out bytes.Buffer
	out.Grow(len(decoded))
	out.Write(decoded[:loc[4]])
	out.WriteString("UTF-8")
	out.Write(decoded[loc[5]:])
	return out.Bytes()
}

// repairMarkup はエンティティ参照になっていない&を&amp;に、
// タグの開始になっていない<を&lt;に置き換える。CDATAセクション内は変更しない。
func repairMarkup(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 64)

	for i := 0; i < len(s); {
		if strings.HasPrefix(s[i:], "<![CDATA[") {
			end := strings.Index(s[i:], "]]>")
			if end < 0 {
				b.WriteString(s[i:])
				break
			}
			end += i + len("]]>")
			b.WriteString(s[i:end])
			i = end
			continue
		}

		switch c := s[i]; c {
		case '&':
			if isEntityRef(s[i+1:]) {
				b.WriteByte('&')
			} else {
				b.WriteString("&amp;")
			}
		case '<':
			if i+1 < len(s) && isTagStart(s[i+1]) {
				b.WriteByte('<')
			} else {
				b.WriteString("&lt;")
			}
		default:
			b.WriteByte(c)
		}
		i++
	}
	return b.String()
}

// isEntityRef は&の直後が「英数字または#の並び + ;」かを判定する。
func isEntityRef(rest string) bool {
	n := 0
	for n < len(rest) && n < 32 {
		c := rest[n]
		if c == ';' {
			return n > 0
		}
		if !(c == '#' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
			return false
		}
		n++
	}
	return false
}

func isTagStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '/' || c == '!' || c == '?'
}
