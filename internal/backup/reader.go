package backup

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/text/transform"

	"github.com/JoshFouchey/sms-archive-sub000/internal/textutil"
)

var (
	// ErrEmptyFile is returned for a zero-length document.
	ErrEmptyFile = errors.New("backup file is empty")
	// ErrNoRoot is returned when a document contains no elements at all.
	ErrNoRoot = errors.New("backup file has no root element")
	// ErrEntityTooLarge is returned when an attribute value exceeds the
	// configured limit.
	ErrEntityTooLarge = errors.New("backup entity exceeds size limit")
	// ErrInvalidRecord is returned by Record.Validate.
	ErrInvalidRecord = errors.New("invalid backup record")
)

// Default limits. Media payloads are inlined as base64 attributes, so the
// entity limit must cover the largest attachment in a backup.
const (
	DefaultMaxEntityBytes = 256 << 20
	DefaultMaxTextBytes   = 10 << 20
)

// Options configures a Reader.
type Options struct {
	// MaxEntityBytes caps any single attribute value (including base64 media).
	MaxEntityBytes int64
	// MaxTextBytes caps message bodies and text part contents.
	MaxTextBytes int64
	// Progress, when set, is called after each record with the number of
	// bytes consumed from the underlying stream.
	Progress func(offset int64)
}

// DefaultOptions returns the default parser limits.
func DefaultOptions() Options {
	return Options{
		MaxEntityBytes: DefaultMaxEntityBytes,
		MaxTextBytes:   DefaultMaxTextBytes,
	}
}

// ParseError reports a document that cannot be read to completion.
type ParseError struct {
	Offset int64
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse backup at byte %d: %v", e.Offset, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// offsetReader counts bytes read from the underlying stream.
type offsetReader struct {
	r io.Reader
	n int64
}

func (o *offsetReader) Read(p []byte) (int, error) {
	n, err := o.r.Read(p)
	o.n += int64(n)
	return n, err
}

// Reader yields records from a backup document one at a time, in document
// order. It never holds more than the current record in memory.
type Reader struct {
	or   *offsetReader
	dec  *xml.Decoder
	opts Options

	count      int
	sawElement bool
	err        error
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader, opts Options) *Reader {
	if opts.MaxEntityBytes <= 0 {
		opts.MaxEntityBytes = DefaultMaxEntityBytes
	}
	if opts.MaxTextBytes <= 0 {
		opts.MaxTextBytes = DefaultMaxTextBytes
	}
	or := &offsetReader{r: r}
	dec := xml.NewDecoder(transform.NewReader(or, textutil.NewSurrogateRepair()))
	dec.CharsetReader = textutil.CharsetReader
	return &Reader{or: or, dec: dec, opts: opts}
}

// Offset returns the number of bytes consumed from the underlying stream.
func (r *Reader) Offset() int64 {
	return r.or.n
}

// Count returns the number of records returned so far.
func (r *Reader) Count() int {
	return r.count
}

// Next returns the next record. It returns io.EOF after the last record.
// Any other error is permanent: the document cannot be read further.
func (r *Reader) Next() (*Record, error) {
	if r.err != nil {
		return nil, r.err
	}
	rec, err := r.next()
	if err != nil {
		r.err = err
		return nil, err
	}
	r.count++
	if r.opts.Progress != nil {
		r.opts.Progress(r.or.n)
	}
	return rec, nil
}

func (r *Reader) next() (*Record, error) {
	for {
		tok, err := r.dec.Token()
		if err == io.EOF {
			switch {
			case r.or.n == 0:
				return nil, ErrEmptyFile
			case !r.sawElement:
				return nil, &ParseError{Offset: r.or.n, Err: ErrNoRoot}
			}
			return nil, io.EOF
		}
		if err != nil {
			return nil, r.fail(err)
		}

		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		r.sawElement = true

		switch se.Name.Local {
		case "sms":
			return r.readSMS(se)
		case "mms":
			return r.readMultipart(se, KindMMS)
		case "rcs":
			return r.readMultipart(se, KindRCS)
		}
	}
}

func (r *Reader) fail(err error) error {
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return &ParseError{Offset: r.or.n, Err: err}
}

func (r *Reader) readSMS(se xml.StartElement) (*Record, error) {
	rec := &Record{Kind: KindSMS}
	var seen header
	for _, a := range se.Attr {
		if err := r.checkAttr(se, a); err != nil {
			return nil, err
		}
		switch a.Name.Local {
		case "address":
			rec.Address = a.Value
		case "date":
			rec.Date, seen.date = parseInt64(a.Value)
		case "type":
			rec.Box, seen.box = parseInt(a.Value)
		case "body":
			rec.Body = a.Value
		case "contact_name":
			rec.ContactName = nullable(a.Value)
		case "thread_id":
			rec.ThreadID = nullable(a.Value)
		}
	}
	if err := r.dec.Skip(); err != nil {
		return nil, r.fail(err)
	}
	rec.BadFields = seen.bad("type")
	return rec, nil
}

func (r *Reader) readMultipart(se xml.StartElement, kind Kind) (*Record, error) {
	rec := &Record{Kind: kind}
	var seen header
	for _, a := range se.Attr {
		if err := r.checkAttr(se, a); err != nil {
			return nil, err
		}
		switch a.Name.Local {
		case "address":
			rec.Address = a.Value
		case "date":
			rec.Date, seen.date = parseInt64(a.Value)
		case "msg_box":
			rec.Box, seen.box = parseInt(a.Value)
		case "contact_name":
			rec.ContactName = nullable(a.Value)
		case "thread_id":
			rec.ThreadID = nullable(a.Value)
		}
	}

	for depth := 1; depth > 0; {
		tok, err := r.dec.Token()
		if err != nil {
			return nil, r.fail(err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			switch t.Name.Local {
			case "part":
				p, err := r.readPart(t)
				if err != nil {
					return nil, err
				}
				rec.Parts = append(rec.Parts, p)
			case "addr":
				rec.Addresses = append(rec.Addresses, readAddr(t))
			}
		case xml.EndElement:
			depth--
		}
	}
	rec.BadFields = seen.bad("msg_box")
	return rec, nil
}

func (r *Reader) readPart(se xml.StartElement) (Part, error) {
	var p Part
	for _, a := range se.Attr {
		if err := r.checkAttr(se, a); err != nil {
			return p, err
		}
		switch a.Name.Local {
		case "seq":
			p.Seq, _ = parseInt(a.Value)
		case "ct":
			p.ContentType = nullable(a.Value)
		case "name":
			p.Name = nullable(a.Value)
		case "cl":
			p.FileName = nullable(a.Value)
		case "text":
			p.Text = nullable(a.Value)
		case "data":
			p.Data = a.Value
		}
	}
	return p, nil
}

func readAddr(se xml.StartElement) Address {
	var a Address
	for _, attr := range se.Attr {
		switch attr.Name.Local {
		case "address":
			a.Address = attr.Value
		case "type":
			a.Role, _ = parseInt(attr.Value)
		}
	}
	return a
}

func (r *Reader) checkAttr(se xml.StartElement, a xml.Attr) error {
	limit := r.opts.MaxEntityBytes
	if a.Name.Local == "body" || a.Name.Local == "text" {
		limit = r.opts.MaxTextBytes
	}
	if int64(len(a.Value)) <= limit {
		return nil
	}
	return &ParseError{
		Offset: r.or.n,
		Err: fmt.Errorf("%w: <%s %s> is %d bytes, limit is %d",
			ErrEntityTooLarge, se.Name.Local, a.Name.Local, len(a.Value), limit),
	}
}

// nullable maps the exporter's literal "null" to empty.
func nullable(s string) string {
	if s == "null" {
		return ""
	}
	return s
}

// header tracks which required record attributes parsed cleanly.
type header struct {
	date, box bool
}

func (h header) bad(boxAttr string) []string {
	var out []string
	if !h.date {
		out = append(out, "date")
	}
	if !h.box {
		out = append(out, boxAttr)
	}
	return out
}

func parseInt64(s string) (int64, bool) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func parseInt(s string) (int, bool) {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, false
	}
	return v, true
}

// File is a Reader over an open backup file.
type File struct {
	*Reader
	f    *os.File
	size int64
}

// Open opens a backup file for streaming.
func Open(path string, opts Options) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open backup: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat backup: %w", err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("open backup: %s is a directory", path)
	}
	return &File{Reader: NewReader(f, opts), f: f, size: info.Size()}, nil
}

// Size returns the file size in bytes.
func (f *File) Size() int64 { return f.size }

// Close closes the underlying file.
func (f *File) Close() error { return f.f.Close() }
