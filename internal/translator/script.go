package translator

import (
	"unicode"
)

// scriptFunc 判断一个字符是否属于某种文字
type scriptFunc func(r rune) bool

func isLatin(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func isHangul(r rune) bool {
	return r >= 0xac00 && r <= 0xd7a3
}

func isCJK(r rune) bool {
	if r >= 0x4e00 && r <= 0x9fff {
		return true
	}
	if r >= 0x3400 && r <= 0x4dbf {
		return true
	}
	if r >= 0x3000 && r <= 0x303f {
		return true
	}
	return false
}

func isKana(r rune) bool {
	return r >= 0x3040 && r <= 0x309f || r >= 0x30a0 && r <= 0x30ff
}

func isJapanese(r rune) bool {
	return isKana(r) || isCJK(r)
}

func scriptFor(lang string) scriptFunc {
	switch lang {
	case "ko":
		return isHangul
	case "zh", "zh-CN", "zh-TW":
		return isCJK
	case "ja":
		return isJapanese
	default:
		return isLatin
	}
}

// scriptRatio 返回 s 中属于该文字的字符占非空白字符的比例
func scriptRatio(s string, match scriptFunc) float64 {
	var hit, total int
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if match(r) {
			hit++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(hit) / float64(total)
}
