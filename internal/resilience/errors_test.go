package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/rotisserie/eris"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"transport", Transport(errors.New("dial")), KindTransport},
		{"upstream", Upstream(503, errors.New("unavailable")), KindUpstreamStatus},
		{"parse wrapped by eris", eris.Wrap(Parse(errors.New("no object")), "enrich: parse"), KindParse},
		{"validation", fmt.Errorf("extract: %w", Validation(errors.New("rate 2.5"))), KindValidation},
		{"persistence", Persistence(errors.New("constraint")), KindPersistence},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), KindTransport},
		{"conn refused", fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED), KindTransport},
		{"net timeout", &net.DNSError{IsTimeout: true, Err: "timeout"}, KindTransport},
		{"plain", errors.New("something else"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	if !IsTransient(Upstream(429, errors.New("slow down"))) {
		t.Error("429 should be transient")
	}
	if IsTransient(Upstream(404, errors.New("not found"))) {
		t.Error("404 should not be transient")
	}
	if !IsTransient(Transport(errors.New("i/o timeout"))) {
		t.Error("transport should be transient")
	}
	if IsTransient(Transport(context.Canceled)) {
		t.Error("cancellation should not be transient")
	}
	if IsTransient(Parse(errors.New("bad json"))) {
		t.Error("parse failure should not be transient")
	}
	if !IsTransient(errors.New("read: connection reset by peer")) {
		t.Error("untagged reset should be transient")
	}
	if IsTransient(nil) {
		t.Error("nil should not be transient")
	}
}

func TestShouldFallThrough(t *testing.T) {
	if !ShouldFallThrough(Upstream(401, errors.New("bad key"))) {
		t.Error("any non-2xx should fall through")
	}
	if !ShouldFallThrough(Transport(errors.New("timeout"))) {
		t.Error("transport should fall through")
	}
	if ShouldFallThrough(Parse(errors.New("no object"))) {
		t.Error("parse failure should be terminal")
	}
	if ShouldFallThrough(nil) {
		t.Error("nil should not fall through")
	}
}

func TestStatusCode(t *testing.T) {
	err := eris.Wrap(Upstream(502, errors.New("bad gateway")), "hts: lookup")
	if StatusCode(err) != 502 {
		t.Errorf("StatusCode() = %d", StatusCode(err))
	}
	if StatusCode(errors.New("x")) != 0 {
		t.Error("expected 0 for untagged error")
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		if !IsTransientHTTPStatus(code) {
			t.Errorf("expected HTTP %d to be transient", code)
		}
	}
	for _, code := range []int{200, 400, 401, 403, 404, 409, 422} {
		if IsTransientHTTPStatus(code) {
			t.Errorf("expected HTTP %d to not be transient", code)
		}
	}
}

func TestError_Message(t *testing.T) {
	err := Upstream(503, errors.New("unavailable"))
	if err.Error() != "UPSTREAM_STATUS (503): unavailable" {
		t.Errorf("unexpected message %q", err.Error())
	}
	if Parse(errors.New("x")).Error() != "PARSE_FAILURE: x" {
		t.Errorf("unexpected message %q", Parse(errors.New("x")).Error())
	}
}
