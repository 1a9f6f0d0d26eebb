package media

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/JoshFouchey/sms-archive-sub000/internal/fileutil"
)

// Thumbnail defaults.
const (
	DefaultThumbSize    = 400
	DefaultThumbQuality = 80

	thumbSuffix = "_thumb.jpg"
	maxPixels   = 64 << 20
)

// ThumbKind says how a content type is thumbnailed.
type ThumbKind int

const (
	ThumbNone ThumbKind = iota
	ThumbRaster
	ThumbPlaceholder
)

var thumbKinds = map[string]ThumbKind{
	"image/jpeg": ThumbRaster,
	"image/jpg":  ThumbRaster,
	"image/png":  ThumbRaster,
	"image/gif":  ThumbRaster,
	"image/bmp":  ThumbRaster,
	"image/webp": ThumbRaster,
	"image/heic": ThumbPlaceholder,
	"image/heif": ThumbPlaceholder,
}

// Classify returns the thumbnail treatment for a content type.
func Classify(contentType string) ThumbKind {
	return thumbKinds[baseType(contentType)]
}

// ThumbResult is the outcome of a thumbnail request.
type ThumbResult int

const (
	// ThumbCreated means a thumbnail or placeholder was written.
	ThumbCreated ThumbResult = iota + 1
	// ThumbExists means a thumbnail was present and force was off.
	ThumbExists
	// ThumbUnsupported means the content type gets no thumbnail.
	ThumbUnsupported
)

// ErrImageTooLarge is returned for images whose pixel count is unreasonable
// to decode.
var ErrImageTooLarge = errors.New("image dimensions too large")

// ThumbnailPath returns where the thumbnail of original lives:
// {dir}/{stem}_thumb.jpg.
func ThumbnailPath(original string) string {
	stem, _ := fileutil.SplitExt(filepath.Base(original))
	return filepath.Join(filepath.Dir(original), stem+thumbSuffix)
}

// Thumbnailer renders JPEG thumbnails inside a square bounding box.
type Thumbnailer struct {
	Size    int
	Quality int
}

// NewThumbnailer returns a Thumbnailer, substituting defaults for
// non-positive values.
func NewThumbnailer(size, quality int) *Thumbnailer {
	if size <= 0 {
		size = DefaultThumbSize
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultThumbQuality
	}
	return &Thumbnailer{Size: size, Quality: quality}
}

// Create writes the thumbnail for original. An existing thumbnail is left
// alone unless force is set. Content types without a thumbnail treatment
// yield ThumbUnsupported and no error.
func (t *Thumbnailer) Create(original, contentType string, force bool) (ThumbResult, error) {
	if _, err := os.Stat(original); err != nil {
		return 0, fmt.Errorf("original file: %w", err)
	}
	ct := FileContentType(contentType, original)
	kind := Classify(ct)
	if kind == ThumbNone {
		return ThumbUnsupported, nil
	}

	dest := ThumbnailPath(original)
	if !force {
		if _, err := os.Stat(dest); err == nil {
			return ThumbExists, nil
		}
	}

	var img image.Image
	switch kind {
	case ThumbPlaceholder:
		img = Placeholder(t.Size, placeholderLabel(ct))
	default:
		src, err := decodeFile(original)
		if err != nil {
			return 0, err
		}
		img = t.scale(src)
	}

	err := fileutil.WriteFileAtomic(dest, fileutil.FilePerm, func(w io.Writer) error {
		if err := jpeg.Encode(w, img, &jpeg.Options{Quality: t.Quality}); err != nil {
			return fmt.Errorf("encode thumbnail: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return ThumbCreated, nil
}

func placeholderLabel(ct string) string {
	_, sub, _ := strings.Cut(ct, "/")
	return strings.ToUpper(sub)
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return nil, fmt.Errorf("decode image header: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return nil, fmt.Errorf("%w: %dx%d", ErrImageTooLarge, cfg.Width, cfg.Height)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// fitWithin scales w×h to fit inside a size×size box, keeping the aspect
// ratio and never enlarging.
func fitWithin(w, h, size int) (int, int) {
	if w <= size && h <= size {
		return w, h
	}
	if w >= h {
		nh := h * size / w
		return size, max(nh, 1)
	}
	nw := w * size / h
	return max(nw, 1), size
}

func (t *Thumbnailer) scale(src image.Image) image.Image {
	b := src.Bounds()
	w, h := fitWithin(b.Dx(), b.Dy(), t.Size)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	// JPEG has no alpha; flatten transparency onto white.
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}
