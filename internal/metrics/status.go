package metrics

import (
	"cmp"
	"slices"
	"strconv"

	"github.com/configcat/proxyload/internal/outcome"
)

// StatusBucket counts failures sharing a protocol-level status: the HTTP
// status, the gRPC code name, or the outcome kind when the protocol reported
// none (e.g. a refused connection).
type StatusBucket struct {
	Protocol string `json:"protocol" yaml:"protocol"`
	Code     string `json:"code" yaml:"code"`
	Count    int64  `json:"count" yaml:"count"`
}

type statusKey struct {
	protocol outcome.Protocol
	code     string
}

func statusKeyOf(o outcome.Outcome) statusKey {
	k := statusKey{protocol: o.Protocol}
	switch {
	case o.StatusCode > 0:
		k.code = strconv.Itoa(o.StatusCode)
	case o.Status != "":
		k.code = o.Status
	default:
		k.code = string(o.Kind)
	}
	return k
}

// statusBuckets orders buckets by descending count, then protocol and code.
func statusBuckets(counts map[statusKey]int64) []StatusBucket {
	if len(counts) == 0 {
		return nil
	}
	rows := make([]StatusBucket, 0, len(counts))
	for k, n := range counts {
		rows = append(rows, StatusBucket{Protocol: string(k.protocol), Code: k.code, Count: n})
	}
	slices.SortFunc(rows, func(a, b StatusBucket) int {
		return cmp.Or(
			cmp.Compare(b.Count, a.Count),
			cmp.Compare(a.Protocol, b.Protocol),
			cmp.Compare(a.Code, b.Code),
		)
	})
	return rows
}
