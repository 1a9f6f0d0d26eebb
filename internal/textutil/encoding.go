// Package textutil provides text decoding helpers for backup documents.
package textutil

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/unicode"
)

// CharsetReader adapts a document declared in a non-UTF-8 encoding so it
// decodes as UTF-8. It matches the signature of xml.Decoder.CharsetReader.
func CharsetReader(label string, input io.Reader) (io.Reader, error) {
	enc := GetEncodingByName(label)
	if enc == nil {
		return nil, fmt.Errorf("unsupported document encoding %q", label)
	}
	if enc == unicode.UTF8 {
		return input, nil
	}
	return enc.NewDecoder().Reader(input), nil
}

// GetEncodingByName returns an encoding for the given charset label, or nil
// when the label is unknown or has no decoder.
func GetEncodingByName(name string) encoding.Encoding {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	if enc, err := ianaindex.IANA.Encoding(name); err == nil && enc != nil {
		return enc
	}
	// Labels phone exporters write that are not registered IANA names.
	switch strings.ToLower(name) {
	case "utf8":
		return unicode.UTF8
	case "cp1252":
		return charmap.Windows1252
	case "latin1", "latin-1":
		return charmap.ISO8859_1
	case "latin9":
		return charmap.ISO8859_15
	case "sjis", "shift-jis":
		return japanese.ShiftJIS
	case "gbk":
		return simplifiedchinese.GBK
	default:
		return nil
	}
}
