package web

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"strings"
	"time"
)

const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// pageChunk is the write size used when streaming the control page.
const pageChunk = 512

// maxRequestBytes bounds the opening request header.
const maxRequestBytes = 8 << 10

const (
	responseTooMany    = "HTTP/1.1 503 Too many connections\r\nConnection: close\r\nContent-Length: 0\r\n\r\n"
	responseBadRequest = "HTTP/1.1 400 Bad Request\r\nConnection: close\r\nContent-Length: 0\r\n\r\n"
)

// acceptKey computes Sec-WebSocket-Accept for a client key.
func acceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key + websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// headerHasToken reports whether a comma separated header contains token.
func headerHasToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// validKey checks that a Sec-WebSocket-Key is a base64 encoded 16 byte nonce.
func validKey(key string) bool {
	raw, err := base64.StdEncoding.DecodeString(key)
	return err == nil && len(raw) == 16
}

// requestEnd returns the length of the request header at the front of
// buf, or -1 while its terminating blank line has not arrived.
func requestEnd(buf []byte) int {
	i := bytes.Index(buf, []byte("\r\n\r\n"))
	if i < 0 {
		return -1
	}
	return i + 4
}

// handshake reads the opening request. It returns true when the
// connection was upgraded; otherwise a response has been written (page
// or error) and the caller closes the connection.
func handshake(w io.Writer, br *bufio.Reader, page fs.FS) (bool, error) {
	req, err := http.ReadRequest(br)
	if err != nil {
		_, _ = io.WriteString(w, responseBadRequest)
		return false, fmt.Errorf("%w: read request: %v", ErrProtocol, err)
	}
	if req.Body != nil {
		_ = req.Body.Close()
	}

	if !headerHasToken(req.Header, "Upgrade", "websocket") {
		return false, servePage(w, page)
	}

	key := req.Header.Get("Sec-WebSocket-Key")
	switch {
	case req.Method != http.MethodGet:
		err = fmt.Errorf("%w: upgrade with method %s", ErrProtocol, req.Method)
	case !headerHasToken(req.Header, "Connection", "upgrade"):
		err = fmt.Errorf("%w: missing Connection: upgrade", ErrProtocol)
	case req.Header.Get("Sec-WebSocket-Version") != "13":
		err = fmt.Errorf("%w: unsupported version %q", ErrProtocol, req.Header.Get("Sec-WebSocket-Version"))
	case !validKey(key):
		err = fmt.Errorf("%w: bad Sec-WebSocket-Key", ErrProtocol)
	}
	if err != nil {
		_, _ = io.WriteString(w, responseBadRequest)
		return false, err
	}

	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + acceptKey(key) + "\r\n\r\n"
	if _, err := io.WriteString(w, resp); err != nil {
		return false, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return true, nil
}

// servePage writes the control page as a plain HTTP response, streaming
// the body in small chunks.
func servePage(w io.Writer, page fs.FS) error {
	f, err := page.Open("index.html")
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	head := "HTTP/1.1 200 OK\r\n" +
		"Connection: close\r\n" +
		"Server: SlideGo\r\n" +
		"Content-Type: text/html\r\n" +
		fmt.Sprintf("Content-Length: %d\r\n\r\n", info.Size())
	if _, err := io.WriteString(w, head); err != nil {
		return err
	}

	buf := make([]byte, pageChunk)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return err
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

// lingerClose half-closes nc and drains what the peer still sends, so
// the last response is not lost to a reset, then closes it.
func lingerClose(nc net.Conn, linger time.Duration) error {
	if tc, ok := nc.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
		_ = nc.SetReadDeadline(time.Now().Add(linger))
		_, _ = io.Copy(io.Discard, io.LimitReader(nc, 64<<10))
	}
	return nc.Close()
}
