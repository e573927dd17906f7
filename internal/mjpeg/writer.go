package mjpeg

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
)

// Boundary separates the parts of the stream.
const Boundary = "frame"

// ContentType is the content type of the stream.
const ContentType = "multipart/x-mixed-replace;boundary=" + Boundary

// Writer writes JPEG frames as parts of a multipart/x-mixed-replace stream.
type Writer struct {
	mw     *multipart.Writer
	header textproto.MIMEHeader
	flush  func()
}

// NewWriter allocates a Writer. flush, if not nil, is called after each frame.
func NewWriter(w io.Writer, flush func()) *Writer {
	mw := multipart.NewWriter(w)
	// "frame" is a valid boundary, the error can only be caused by an invalid one
	mw.SetBoundary(Boundary) //nolint:errcheck

	header := make(textproto.MIMEHeader, 1)
	header.Add("Content-Type", "image/jpeg")

	return &Writer{mw: mw, header: header, flush: flush}
}

// WriteFrame writes a single frame.
func (w *Writer) WriteFrame(img []byte) error {
	pw, err := w.mw.CreatePart(w.header)
	if err != nil {
		return fmt.Errorf("failed to create multi-part section: %w", err)
	}

	if _, err := pw.Write(img); err != nil {
		return err
	}

	if w.flush != nil {
		w.flush()
	}
	return nil
}

// Close writes the closing boundary.
func (w *Writer) Close() error {
	err := w.mw.Close()
	if w.flush != nil {
		w.flush()
	}
	return err
}
