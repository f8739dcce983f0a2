// Package chatclient is a typed client for the realtime chat protocol:
// it dials the websocket endpoint with a session credential, decodes the
// server's event stream, and wraps the REST read paths.
package chatclient

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/sha1"
	"crypto/tls"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	opText  = 0x1
	opClose = 0x8
	opPing  = 0x9
	opPong  = 0xA
)

// Client is one live connection bound to an identity. Safe for one reader
// goroutine; writers may be concurrent.
type Client struct {
	conn    net.Conn
	rw      *bufio.ReadWriter
	wmu     sync.Mutex
	baseURL string
	token   string
	http    *http.Client
}

// Dial opens an authenticated websocket connection. baseURL is the server's
// http(s) base; the scheme is translated to ws(s) for the upgrade.
func Dial(baseURL, token string) (*Client, error) {
	wsURL, err := websocketURL(baseURL)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, err
	}
	conn, err := openConn(u)
	if err != nil {
		return nil, err
	}
	rw, key, err := sendHandshake(conn, u, token)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := verifyServerHandshake(rw, key); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &Client{
		conn:    conn,
		rw:      rw,
		baseURL: normalizeBaseURL(baseURL),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Next blocks until the server pushes the next event. io.EOF marks a server
// close.
func (c *Client) Next() (Event, error) {
	payload, err := c.readText()
	if err != nil {
		return Event{}, err
	}
	var evt Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return Event{}, fmt.Errorf("invalid event: %w", err)
	}
	return evt, nil
}

func (c *Client) SendMessage(recipientID, ciphertext string) error {
	return c.emit("sendMessage", map[string]any{
		"recipientId": recipientID,
		"ciphertext":  ciphertext,
	})
}

func (c *Client) Typing(recipientID string, isTyping bool) error {
	return c.emit("typing", map[string]any{
		"recipientId": recipientID,
		"isTyping":    isTyping,
	})
}

func (c *Client) MarkAsRead(messageID string) error {
	return c.emit("markAsRead", map[string]any{
		"messageId": messageID,
	})
}

func (c *Client) emit(eventType string, payload any) error {
	data, err := json.Marshal(map[string]any{"type": eventType, "payload": payload})
	if err != nil {
		return err
	}
	return c.writeFrame(opText, data)
}

func (c *Client) Close() error {
	_ = c.writeFrame(opClose, nil)
	return c.conn.Close()
}

// History fetches the conversation with peerID over the REST read path.
func (c *Client) History(ctx context.Context, peerID string, limit int) ([]Message, error) {
	endpoint := c.baseURL + "/conversations/" + url.PathEscape(peerID)
	if limit > 0 {
		endpoint += "?limit=" + fmt.Sprint(limit)
	}
	var out []Message
	if err := c.getJSON(ctx, endpoint, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Conversations fetches the per-peer overview.
func (c *Client) Conversations(ctx context.Context) ([]Conversation, error) {
	var out []Conversation
	if err := c.getJSON(ctx, c.baseURL+"/conversations", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UnreadCount fetches the number of unread messages from peerID.
func (c *Client) UnreadCount(ctx context.Context, peerID string) (int64, error) {
	var out struct {
		Count int64 `json:"count"`
	}
	endpoint := c.baseURL + "/conversations/" + url.PathEscape(peerID) + "/unread"
	if err := c.getJSON(ctx, endpoint, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		if len(data) == 0 {
			data = []byte(resp.Status)
		}
		return fmt.Errorf("request failed: %s", strings.TrimSpace(string(data)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ---- websocket plumbing ----

func websocketURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %s", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

func openConn(u *url.URL) (net.Conn, error) {
	host := u.Host
	switch strings.ToLower(u.Scheme) {
	case "ws":
		if !strings.Contains(host, ":") {
			host += ":80"
		}
		return net.Dial("tcp", host)
	case "wss":
		if !strings.Contains(host, ":") {
			host += ":443"
		}
		return tls.Dial("tcp", host, &tls.Config{MinVersion: tls.VersionTLS12})
	default:
		return nil, fmt.Errorf("unsupported websocket scheme %s", u.Scheme)
	}
}

func sendHandshake(conn net.Conn, u *url.URL, token string) (*bufio.ReadWriter, string, error) {
	keyBytes := make([]byte, 16)
	if _, err := rand.Read(keyBytes); err != nil {
		return nil, "", err
	}
	key := base64.StdEncoding.EncodeToString(keyBytes)
	path := u.RequestURI()
	if path == "" {
		path = "/"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", path)
	fmt.Fprintf(&b, "Host: %s\r\n", u.Host)
	b.WriteString("Upgrade: websocket\r\nConnection: Upgrade\r\n")
	fmt.Fprintf(&b, "Sec-WebSocket-Key: %s\r\n", key)
	b.WriteString("Sec-WebSocket-Version: 13\r\n")
	if token != "" {
		fmt.Fprintf(&b, "Authorization: Bearer %s\r\n", token)
	}
	b.WriteString("\r\n")

	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	if _, err := rw.WriteString(b.String()); err != nil {
		return nil, "", err
	}
	if err := rw.Flush(); err != nil {
		return nil, "", err
	}
	return rw, key, nil
}

func verifyServerHandshake(rw *bufio.ReadWriter, key string) error {
	status, err := rw.ReadString('\n')
	if err != nil {
		return err
	}
	if !strings.Contains(status, "101") {
		return fmt.Errorf("websocket handshake failed: %s", strings.TrimSpace(status))
	}
	var accept string
	for {
		line, err := rw.ReadString('\n')
		if err != nil {
			return err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) == 2 && strings.EqualFold(strings.TrimSpace(parts[0]), "Sec-WebSocket-Accept") {
			accept = strings.TrimSpace(parts[1])
		}
	}
	if accept != computeAccept(key) {
		return fmt.Errorf("websocket handshake validation failed")
	}
	return nil
}

func (c *Client) readText() ([]byte, error) {
	for {
		opcode, payload, err := c.readFrame()
		if err != nil {
			return nil, err
		}
		switch opcode {
		case opText:
			return payload, nil
		case opClose:
			return nil, io.EOF
		case opPing:
			if err := c.writeFrame(opPong, payload); err != nil {
				return nil, err
			}
		case opPong:
			// ignore
		default:
			// ignore other opcodes
		}
	}
}

func (c *Client) readFrame() (byte, []byte, error) {
	first, err := c.rw.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	fin := first&0x80 != 0
	opcode := first & 0x0F
	second, err := c.rw.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	masked := second&0x80 != 0
	length := int(second & 0x7F)
	switch length {
	case 126:
		var ext uint16
		if err := binary.Read(c.rw, binary.BigEndian, &ext); err != nil {
			return 0, nil, err
		}
		length = int(ext)
	case 127:
		var ext uint64
		if err := binary.Read(c.rw, binary.BigEndian, &ext); err != nil {
			return 0, nil, err
		}
		if ext > (1<<20) {
			return 0, nil, fmt.Errorf("frame too large")
		}
		length = int(ext)
	}
	var mask [4]byte
	if masked {
		if _, err := io.ReadFull(c.rw, mask[:]); err != nil {
			return 0, nil, err
		}
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(c.rw, payload); err != nil {
		return 0, nil, err
	}
	if masked {
		for i := range payload {
			payload[i] ^= mask[i%4]
		}
	}
	if !fin {
		return 0, nil, fmt.Errorf("fragmented frames not supported")
	}
	return opcode, payload, nil
}

// writeFrame emits one masked client frame, as the protocol requires of the
// client side.
func (c *Client) writeFrame(opcode byte, payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	if err := c.rw.WriteByte(0x80 | opcode); err != nil {
		return err
	}
	length := len(payload)
	switch {
	case length <= 125:
		if err := c.rw.WriteByte(0x80 | byte(length)); err != nil {
			return err
		}
	case length < 65536:
		if err := c.rw.WriteByte(0x80 | 126); err != nil {
			return err
		}
		if err := binary.Write(c.rw, binary.BigEndian, uint16(length)); err != nil {
			return err
		}
	default:
		if err := c.rw.WriteByte(0x80 | 127); err != nil {
			return err
		}
		if err := binary.Write(c.rw, binary.BigEndian, uint64(length)); err != nil {
			return err
		}
	}
	var mask [4]byte
	if _, err := rand.Read(mask[:]); err != nil {
		return err
	}
	if _, err := c.rw.Write(mask[:]); err != nil {
		return err
	}
	masked := make([]byte, length)
	for i, b := range payload {
		masked[i] = b ^ mask[i%4]
	}
	if _, err := c.rw.Write(masked); err != nil {
		return err
	}
	return c.rw.Flush()
}

func computeAccept(key string) string {
	const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	sum := sha1.Sum([]byte(key + wsGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

func normalizeBaseURL(in string) string {
	return strings.TrimRight(strings.TrimSpace(in), "/")
}
