package stream

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
)

// Boundary separates the parts of the multipart stream
const Boundary = "frame"

// SetNoCacheHeaders marks a response as uncacheable
func SetNoCacheHeaders(h http.Header) {
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
}

// Serve writes frames from tap to w as multipart/x-mixed-replace until ctx
// ends, the publisher closes, or the client goes away. onFrame, if set, is
// called after each delivered part. A clean end (ctx or publisher closed)
// returns nil; a failed write returns ErrClientDisconnect.
func Serve(ctx context.Context, w http.ResponseWriter, tap *Tap, onFrame func()) error {
	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(Boundary); err != nil {
		return err
	}

	h := w.Header()
	h.Set("Content-Type", "multipart/x-mixed-replace; boundary="+Boundary)
	SetNoCacheHeaders(h)
	h.Set("Connection", "close")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	for {
		data, err := tap.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}

		partHeader := textproto.MIMEHeader{}
		partHeader.Set("Content-Type", "image/jpeg")
		partHeader.Set("Content-Length", strconv.Itoa(len(data)))
		SetNoCacheHeaders(http.Header(partHeader))

		part, err := mw.CreatePart(partHeader)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrClientDisconnect, err)
		}
		if _, err := part.Write(data); err != nil {
			return fmt.Errorf("%w: %v", ErrClientDisconnect, err)
		}
		if flusher != nil {
			flusher.Flush()
		}
		if onFrame != nil {
			onFrame()
		}
	}
}
