package server

import "net/http"

// httpSink adapts an http.ResponseWriter into a stream.Sink. Flush
// reports whether the writer could actually drain to the client; when
// the ResponseWriter does not implement http.Flusher the emitter's
// pending counter keeps growing and backpressure kicks in.
type httpSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newHTTPSink(w http.ResponseWriter) *httpSink {
	flusher, _ := w.(http.Flusher)
	return &httpSink{w: w, flusher: flusher}
}

func (s *httpSink) Write(p []byte) (int, error) {
	return s.w.Write(p)
}

func (s *httpSink) Flush() bool {
	if s.flusher == nil {
		return false
	}
	s.flusher.Flush()
	return true
}
