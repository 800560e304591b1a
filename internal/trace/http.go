package trace

import "net/http"

// Header names used to propagate trace IDs across HTTP boundaries.
const (
	HeaderTraceID      = "X-Trace-Id"
	HeaderSpanID       = "X-Span-Id"
	HeaderParentSpanID = "X-Parent-Span-Id"
)

// Middleware extracts incoming trace headers, or starts a new trace,
// and echoes the identifiers back on the response.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var tc Context
		if id := r.Header.Get(HeaderTraceID); id != "" {
			parent := Context{
				TraceID: id,
				SpanID:  r.Header.Get(HeaderSpanID),
			}
			tc = NewChild(parent)
		} else {
			tc = New()
		}

		w.Header().Set(HeaderTraceID, tc.TraceID)
		w.Header().Set(HeaderSpanID, tc.SpanID)

		next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), tc)))
	})
}

// ExtractFromJSON pulls a trace context out of a decoded JSON payload
// carrying trace_id / span_id keys, as sent by UI clients over the
// websocket. Returns false when trace_id is absent.
func ExtractFromJSON(payload map[string]any) (Context, bool) {
	traceID, _ := payload["trace_id"].(string)
	if traceID == "" {
		return Context{}, false
	}
	spanID, _ := payload["span_id"].(string)
	parent := Context{TraceID: traceID, SpanID: spanID}
	return NewChild(parent), true
}
