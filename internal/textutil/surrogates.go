package textutil

import (
	"strconv"
	"unicode/utf16"

	"golang.org/x/text/transform"
)

// maxCharRefLen bounds how far a numeric character reference is scanned
// before it is treated as literal text.
const maxCharRefLen = 12

const replacementRef = "&#65533;"

// SurrogateRepair rewrites UTF-16 surrogate pairs written as numeric
// character references ("&#55357;&#56832;") into a single reference to the
// combined code point ("&#128512;"). Unpaired surrogates become U+FFFD.
// Phone backup exporters emit emoji this way; a conforming XML decoder
// rejects surrogate code points.
type SurrogateRepair struct {
	transform.NopResetter
}

// NewSurrogateRepair returns a transformer that repairs surrogate references.
func NewSurrogateRepair() transform.Transformer {
	return SurrogateRepair{}
}

// Transform implements transform.Transformer.
func (SurrogateRepair) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	emit := func(b []byte) bool {
		if len(dst)-nDst < len(b) {
			return false
		}
		nDst += copy(dst[nDst:], b)
		return true
	}

	for nSrc < len(src) {
		i := indexCharRef(src[nSrc:])
		if i < 0 {
			end := len(src)
			if !atEOF && src[end-1] == '&' {
				end--
			}
			if !emit(src[nSrc:end]) {
				return nDst, nSrc, transform.ErrShortDst
			}
			nSrc = end
			if nSrc < len(src) {
				return nDst, nSrc, transform.ErrShortSrc
			}
			break
		}
		if !emit(src[nSrc : nSrc+i]) {
			return nDst, nSrc, transform.ErrShortDst
		}
		nSrc += i

		cp, n, status := parseCharRef(src[nSrc:])
		switch {
		case status == refIncomplete && !atEOF:
			return nDst, nSrc, transform.ErrShortSrc
		case status != refOK:
			// Not a well-formed reference: pass "&#" through and keep scanning.
			if !emit(src[nSrc : nSrc+2]) {
				return nDst, nSrc, transform.ErrShortDst
			}
			nSrc += 2
			continue
		}

		switch {
		case utf16.IsSurrogate(cp) && cp < 0xDC00:
			lo, n2, status2 := parseCharRef(src[nSrc+n:])
			if status2 == refIncomplete && !atEOF {
				return nDst, nSrc, transform.ErrShortSrc
			}
			if status2 == refOK && lo >= 0xDC00 && lo <= 0xDFFF {
				combined := utf16.DecodeRune(cp, lo)
				if !emit([]byte("&#" + strconv.Itoa(int(combined)) + ";")) {
					return nDst, nSrc, transform.ErrShortDst
				}
				nSrc += n + n2
				continue
			}
			if !emit([]byte(replacementRef)) {
				return nDst, nSrc, transform.ErrShortDst
			}
		case utf16.IsSurrogate(cp):
			if !emit([]byte(replacementRef)) {
				return nDst, nSrc, transform.ErrShortDst
			}
		default:
			if !emit(src[nSrc : nSrc+n]) {
				return nDst, nSrc, transform.ErrShortDst
			}
		}
		nSrc += n
	}
	return nDst, nSrc, nil
}

type refStatus int

const (
	refOK refStatus = iota
	refIncomplete
	refInvalid
)

func indexCharRef(b []byte) int {
	for i := 0; i+1 < len(b); i++ {
		if b[i] == '&' && b[i+1] == '#' {
			return i
		}
	}
	return -1
}

// parseCharRef parses a numeric character reference at the start of b.
// It returns the code point and the reference length in bytes.
func parseCharRef(b []byte) (rune, int, refStatus) {
	if len(b) < 2 {
		if len(b) == 0 || b[0] == '&' {
			return 0, 0, refIncomplete
		}
		return 0, 0, refInvalid
	}
	if b[0] != '&' || b[1] != '#' {
		return 0, 0, refInvalid
	}
	base, start := 10, 2
	if len(b) > 2 && (b[2] == 'x' || b[2] == 'X') {
		base, start = 16, 3
	}
	for i := start; i < len(b); i++ {
		if i > maxCharRefLen {
			return 0, 0, refInvalid
		}
		if b[i] == ';' {
			if i == start {
				return 0, 0, refInvalid
			}
			v, err := strconv.ParseUint(string(b[start:i]), base, 32)
			if err != nil || v > 0x10FFFF {
				return 0, 0, refInvalid
			}
			return rune(v), i + 1, refOK
		}
	}
	if len(b) > maxCharRefLen {
		return 0, 0, refInvalid
	}
	return 0, 0, refIncomplete
}
