package media

import (
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

func baseType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

func generic(ct string) bool {
	switch ct {
	case "", "application/octet-stream", "binary/octet-stream", "application/unknown", "*/*":
		return true
	}
	return false
}

// ContentType returns the declared content type without parameters, or the
// type sniffed from data when the declaration is missing or generic.
func ContentType(declared string, data []byte) string {
	ct := baseType(declared)
	if !generic(ct) || len(data) == 0 {
		return ct
	}
	return baseType(mimetype.Detect(data).String())
}

// FileContentType is ContentType for a file already on disk.
func FileContentType(declared, path string) string {
	ct := baseType(declared)
	if !generic(ct) {
		return ct
	}
	m, err := mimetype.DetectFile(path)
	if err != nil {
		return ct
	}
	return baseType(m.String())
}
