package workload

import (
	"github.com/tidwall/gjson"

	"github.com/configcat/proxyload/internal/config"
	"github.com/configcat/proxyload/internal/outcome"
)

// applyChecks evaluates checks against a response and adds the results to o.
// status is the HTTP status (or the numeric gRPC code for gRPC targets);
// body is the response body, the JSON encoded gRPC message, or the data of
// the last SSE event.
// Cancelled requests are not checked.
func applyChecks(o *outcome.Outcome, checks []config.Check, status int, body []byte) {
	if o.Kind == outcome.KindCancelled {
		return
	}
	for _, c := range checks {
		if checkPasses(c, o.Kind, status, body) {
			o.ChecksPassed++
		} else {
			o.ChecksFailed++
		}
	}
}

func checkPasses(c config.Check, kind outcome.Kind, status int, body []byte) bool {
	if kind == outcome.KindTransport {
		return false
	}
	switch {
	case c.Status != nil:
		if *c.Status != status {
			return false
		}
	case kind == outcome.KindRPC, kind == outcome.KindStream:
		return false
	}
	if c.Path == "" {
		return true
	}
	if !gjson.ValidBytes(body) {
		return false
	}
	res := gjson.GetBytes(body, c.Path)
	if !res.Exists() {
		return false
	}
	return c.Equals == "" || res.String() == c.Equals
}
