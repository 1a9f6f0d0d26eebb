package media

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/JoshFouchey/sms-archive-sub000/internal/fileutil"
)

const (
	// DefaultExt is used when neither the part name nor its content type
	// yields an extension.
	DefaultExt = ".bin"

	hashPrefixBytes = 64 << 10
	maxNumbered     = 5
)

var extensions = map[string]string{
	"image/jpeg":      ".jpg",
	"image/jpg":       ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"image/bmp":       ".bmp",
	"image/heic":      ".heic",
	"image/heif":      ".heif",
	"video/mp4":       ".mp4",
	"video/3gpp":      ".3gp",
	"video/quicktime": ".mov",
	"video/webm":      ".webm",
	"audio/mpeg":      ".mp3",
	"audio/amr":       ".amr",
	"audio/ogg":       ".ogg",
	"audio/mp4":       ".m4a",
	"audio/wav":       ".wav",
	"application/pdf": ".pdf",
	"text/vcard":      ".vcf",
	"text/x-vcard":    ".vcf",
	"text/plain":      ".txt",
}

// Extension picks the file extension for a part: the extension of its name
// when it has a sane one, else the one registered for its content type.
func Extension(contentType, name string) string {
	if ext := strings.ToLower(filepath.Ext(filepath.Base(name))); validExt(ext) {
		return ext
	}
	ct := baseType(contentType)
	if ext, ok := extensions[ct]; ok {
		return ext
	}
	if m := mimetype.Lookup(ct); m != nil && m.Extension() != "" {
		return m.Extension()
	}
	return DefaultExt
}

func validExt(ext string) bool {
	if len(ext) < 2 || len(ext) > 10 {
		return false
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// shortHash returns eight hex digits of SHA-1 over the first 64KiB of data.
func shortHash(data []byte) string {
	if len(data) == 0 {
		return "00000000"
	}
	if len(data) > hashPrefixBytes {
		data = data[:hashPrefixBytes]
	}
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])[:8]
}

// BaseName returns the collision-free stem for a part file:
// msg-{messageID|temp}-seq{seq}-{epochSeconds}-{hash8}.
func BaseName(messageID int64, seq int, ts time.Time, data []byte) string {
	id := "temp"
	if messageID > 0 {
		id = strconv.FormatInt(messageID, 10)
	}
	return fmt.Sprintf("msg-%s-seq%d-%d-%s", id, seq, ts.Unix(), shortHash(data))
}

// CreateUnique creates a new file in dir named base+ext, probing base-1 …
// base-5 and finally a random suffix when names are taken. It never opens an
// existing file.
func CreateUnique(dir, base, ext string) (*os.File, error) {
	if ext == "" {
		ext = DefaultExt
	}
	candidates := make([]string, 0, maxNumbered+2)
	candidates = append(candidates, base+ext)
	for n := 1; n <= maxNumbered; n++ {
		candidates = append(candidates, fmt.Sprintf("%s-%d%s", base, n, ext))
	}
	candidates = append(candidates, base+"-"+uuid.NewString()+ext)

	for _, name := range candidates {
		f, err := fileutil.CreateExclusive(filepath.Join(dir, name), fileutil.FilePerm)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("no free file name for %s%s in %s", base, ext, dir)
}
