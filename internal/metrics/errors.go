package metrics

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"unicode"

	"github.com/configcat/proxyload/internal/outcome"
)

// errorType labels the cause of a failed outcome for the "error types"
// breakdown. Well-known network causes get a fixed label; anything else is
// named after its Go type, e.g. *x509.UnknownAuthorityError becomes
// "Unknown Authority Error (x509)".
func errorType(err error) string {
	if err == nil {
		return "Unknown error"
	}

	var (
		hse  *outcome.HTTPStatusError
		rpc  *outcome.RPCError
		se   *outcome.StreamError
		dns  *net.DNSError
		cert *tls.CertificateVerificationError
		ua   x509.UnknownAuthorityError
		host x509.HostnameError
	)
	switch {
	case errors.As(err, &hse):
		return fmt.Sprintf("HTTP %dxx response", hse.StatusCode/100)
	case errors.As(err, &rpc):
		return "gRPC " + rpc.Code
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, syscall.ETIMEDOUT):
		return "Timeout"
	case errors.Is(err, syscall.ECONNREFUSED):
		return "Connection refused"
	case errors.Is(err, syscall.ECONNRESET):
		return "Connection reset"
	case errors.As(err, &dns):
		return "DNS lookup error"
	case errors.As(err, &cert), errors.As(err, &ua), errors.As(err, &host):
		return "TLS certificate error"
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return "Connection closed"
	case errors.As(err, &se):
		return "Event stream error"
	}
	return typeLabel(rootCause(err))
}

func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

func typeLabel(err error) string {
	name := strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
	pkg := ""
	if idx := strings.LastIndex(name, "."); idx != -1 {
		pkg, name = name[:idx], name[idx+1:]
		if slash := strings.LastIndex(pkg, "/"); slash != -1 {
			pkg = pkg[slash+1:]
		}
	}
	pretty := strings.Join(splitWords(name), " ")
	if pkg == "" || pkg == "main" || pkg == "errors" {
		return pretty
	}
	return fmt.Sprintf("%s (%s)", pretty, pkg)
}

// splitWords splits a Go identifier at case and digit boundaries, keeping
// acronyms together: "TLSHandshakeTimeout" -> [TLS Handshake Timeout].
func splitWords(name string) []string {
	var (
		words []string
		cur   []rune
	)
	runes := []rune(name)
	flush := func() {
		if len(cur) == 0 {
			return
		}
		w := string(cur)
		if strings.ToUpper(w) != w {
			w = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
		}
		words = append(words, w)
		cur = cur[:0]
	}
	for i, r := range runes {
		if i > 0 {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			switch {
			case unicode.IsUpper(r) && (unicode.IsLower(prev) || unicode.IsUpper(prev) && nextLower):
				flush()
			case unicode.IsDigit(r) && !unicode.IsDigit(prev):
				flush()
			}
		}
		cur = append(cur, r)
	}
	flush()
	return words
}
