package observability

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

// RequestIdHeader is the header set on every outgoing DoorPi request.
const RequestIdHeader = "X-Request-Id"

// Transport is an http.RoundTripper that tags outgoing requests with a request id
// and logs their outcome using the request Context Observability.
type Transport struct {
	// Next is the wrapped RoundTripper, http.DefaultTransport if nil.
	Next http.RoundTripper

	// Header overrides RequestIdHeader if not empty.
	Header string
}

// RoundTrip implements http.RoundTripper.
func (self Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	t0 := time.Now()

	next := self.Next
	if nil == next {
		next = http.DefaultTransport
	}
	hdr := self.Header
	if "" == hdr {
		hdr = RequestIdHeader
	}

	rId := req.Header.Get(hdr)
	if "" == rId {
		rId = uuid.New().String()
		req = req.Clone(req.Context())
		req.Header.Set(hdr, rId)
	}

	log := GetObservability(req.Context()).Log().With("rId", rId)
	resp, err := next.RoundTrip(req)
	if nil != err {
		log.Debug(
			"failed HTTP request",
			"method", req.Method,
			"url", req.URL.Redacted(),
			"duration", time.Since(t0),
			"error", err,
		)
		return nil, err
	}
	log.Debug(
		"sent HTTP request",
		"method", req.Method,
		"url", req.URL.Redacted(),
		"status", resp.StatusCode,
		"duration", time.Since(t0),
	)

	return resp, nil
}

var _ http.RoundTripper = Transport{}
