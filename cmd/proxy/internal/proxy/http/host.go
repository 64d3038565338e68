package http_proxy

import (
	"bytes"
	"errors"
	"strings"
)

// ErrNoHostHeader is returned when a request has no complete Host header line.
var ErrNoHostHeader = errors.New("missing or malformed Host header")

var crlf = []byte("\r\n")

// ExtractHost returns the routing key of a raw HTTP/1.x request: the value
// of the first line starting with "Host:" (any case), with surrounding
// whitespace and any ":port" suffix removed. The header line must be
// terminated by CRLF inside req; a header cut off by the end of the buffer
// is reported as malformed. The value itself is returned as sent, without
// case normalization.
func ExtractHost(req []byte) (string, error) {
	for line := req; len(line) > 0; {
		if hasHostPrefix(line) {
			value := line[len("host:"):]
			end := bytes.Index(value, crlf)
			if end < 0 {
				return "", ErrNoHostHeader
			}
			return stripPort(string(bytes.Trim(value[:end], " \t"))), nil
		}

		next := bytes.IndexByte(line, '\n')
		if next < 0 {
			break
		}
		line = line[next+1:]
	}
	return "", ErrNoHostHeader
}

func hasHostPrefix(b []byte) bool {
	const name = "host:"
	if len(b) < len(name) {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := b[i]
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		if c != name[i] {
			return false
		}
	}
	return true
}

// stripPort removes a trailing ":port". Bracketed IPv6 literals keep their
// brackets so "[::1]:8080" becomes "[::1]".
func stripPort(host string) string {
	if len(host) > 0 && host[0] == '[' {
		if end := strings.IndexByte(host, ']'); end >= 0 {
			return host[:end+1]
		}
		return host
	}
	if i := strings.IndexByte(host, ':'); i >= 0 {
		return host[:i]
	}
	return host
}
