package transport

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

	"github.com/eshaffer321/authpipe/pkg/errcode"
)

// ClassifyTransportError maps a raw transport failure onto the error catalog.
// Structured signals are checked first; matching on the message text is the
// last resort for engines that only report strings.
func ClassifyTransportError(err error) errcode.Code {
	if err == nil {
		return 0
	}

	var coded *errcode.Error
	if errors.As(err, &coded) {
		return coded.Code
	}

	if errors.Is(err, context.Canceled) {
		return errcode.NetworkRequestCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errcode.NetworkConnectionTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return errcode.NetworkConnectionTimeout
		}
		return errcode.NetworkDNSFailure
	}

	if isTLSError(err) {
		return errcode.NetworkSSLError
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errcode.NetworkConnectionTimeout
	}

	switch {
	case errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH):
		return errcode.NetworkNoConnection
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return errcode.NetworkConnectionReset
	}

	return classifyMessage(err)
}

func isTLSError(err error) bool {
	var (
		verifyErr   *tls.CertificateVerificationError
		headerErr   tls.RecordHeaderError
		unknownAuth x509.UnknownAuthorityError
		hostnameErr x509.HostnameError
		invalidCert x509.CertificateInvalidError
		alertErr    tls.AlertError
	)
	return errors.As(err, &verifyErr) ||
		errors.As(err, &headerErr) ||
		errors.As(err, &unknownAuth) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &invalidCert) ||
		errors.As(err, &alertErr)
}

// classifyMessage inspects the message and concrete type name
func classifyMessage(err error) errcode.Code {
	text := strings.ToLower(err.Error() + " " + fmt.Sprintf("%T", err))

	switch {
	case containsAny(text, "ssl", "certificate", "tls:", "x509"):
		return errcode.NetworkSSLError
	case containsAny(text, "dns", "unresolved", "no such host"):
		return errcode.NetworkDNSFailure
	case containsAny(text, "timeout", "timed out"):
		return errcode.NetworkConnectionTimeout
	case containsAny(text, "refused", "reset", "closed", "broken pipe"):
		return errcode.NetworkConnectionReset
	case containsAny(text, "unreachable", "no route"):
		return errcode.NetworkNoConnection
	default:
		return errcode.NetworkServerError
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// WrapTransportError converts a transport failure into a coded error.
// Errors that already carry a code are returned unchanged.
func WrapTransportError(err error, method, url string) error {
	if err == nil {
		return nil
	}
	if errcode.HasCode(err) {
		return err
	}
	return errcode.Wrap(err, ClassifyTransportError(err), fmt.Sprintf("%s %s failed", method, url))
}
