package http

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"e2ee-chat/internal/dto"

	"github.com/google/uuid"
)

const (
	opText  = 0x1
	opClose = 0x8
	opPing  = 0x9
	opPong  = 0xA
)

// wsConn is one hijacked websocket connection. It implements registry.Conn:
// Send serializes an event to a single text frame. Writes are mutex-guarded
// because fanout, presence, and the read loop's pong replies all share the
// connection.
type wsConn struct {
	id           uuid.UUID
	conn         net.Conn
	rw           *bufio.ReadWriter
	wmu          sync.Mutex
	writeTimeout time.Duration
}

func acceptWebSocket(w http.ResponseWriter, r *http.Request, writeTimeout time.Duration) (*wsConn, error) {
	if !strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade") {
		http.Error(w, "bad request", http.StatusBadRequest)
		return nil, fmt.Errorf("missing upgrade header")
	}
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		http.Error(w, "bad request", http.StatusBadRequest)
		return nil, fmt.Errorf("invalid upgrade value")
	}
	key := strings.TrimSpace(r.Header.Get("Sec-WebSocket-Key"))
	if key == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return nil, fmt.Errorf("missing websocket key")
	}
	accept := computeAccept(key)
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "upgrade not supported", http.StatusInternalServerError)
		return nil, fmt.Errorf("hijacking not supported")
	}
	conn, rw, err := hj.Hijack()
	if err != nil {
		return nil, err
	}
	response := fmt.Sprintf("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Accept: %s\r\n\r\n", accept)
	if _, err := rw.WriteString(response); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := rw.Flush(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &wsConn{
		id:           uuid.New(),
		conn:         conn,
		rw:           rw,
		writeTimeout: writeTimeout,
	}, nil
}

func (c *wsConn) ID() uuid.UUID { return c.id }

func (c *wsConn) Send(evt dto.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return c.writeFrame(opText, data)
}

func (c *wsConn) writeFrame(opcode byte, payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	if err := c.rw.WriteByte(0x80 | opcode); err != nil {
		return err
	}
	length := len(payload)
	switch {
	case length <= 125:
		if err := c.rw.WriteByte(byte(length)); err != nil {
			return err
		}
	case length < 65536:
		if err := c.rw.WriteByte(126); err != nil {
			return err
		}
		if err := binary.Write(c.rw, binary.BigEndian, uint16(length)); err != nil {
			return err
		}
	default:
		if err := c.rw.WriteByte(127); err != nil {
			return err
		}
		if err := binary.Write(c.rw, binary.BigEndian, uint64(length)); err != nil {
			return err
		}
	}
	if _, err := c.rw.Write(payload); err != nil {
		return err
	}
	return c.rw.Flush()
}

// ReadText blocks until the next text frame from the client, answering
// pings in between. io.EOF marks a clean close.
func (c *wsConn) ReadText() ([]byte, error) {
	for {
		opcode, payload, err := c.readFrame()
		if err != nil {
			return nil, err
		}
		switch opcode {
		case opText:
			return payload, nil
		case opClose:
			_ = c.writeFrame(opClose, nil)
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

func (c *wsConn) readFrame() (byte, []byte, error) {
	opcode, fin, masked, length, err := c.readFrameMeta()
	if err != nil {
		return 0, nil, err
	}
	maskKey, err := c.readMaskKey(masked)
	if err != nil {
		return 0, nil, err
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(c.rw, payload); err != nil {
		return 0, nil, err
	}
	if masked {
		applyMask(payload, maskKey)
	}
	if !fin {
		return 0, nil, fmt.Errorf("fragmented frames not supported")
	}
	return opcode, payload, nil
}

func (c *wsConn) readFrameMeta() (byte, bool, bool, int, error) {
	first, err := c.rw.ReadByte()
	if err != nil {
		return 0, false, false, 0, err
	}
	fin := first&0x80 != 0
	opcode := first & 0x0F
	second, err := c.rw.ReadByte()
	if err != nil {
		return 0, false, false, 0, err
	}
	masked := second&0x80 != 0
	length := int(second & 0x7F)
	switch length {
	case 126:
		var ext uint16
		if err := binary.Read(c.rw, binary.BigEndian, &ext); err != nil {
			return 0, false, false, 0, err
		}
		length = int(ext)
	case 127:
		var ext uint64
		if err := binary.Read(c.rw, binary.BigEndian, &ext); err != nil {
			return 0, false, false, 0, err
		}
		if ext > (1<<20) {
			return 0, false, false, 0, fmt.Errorf("frame too large")
		}
		length = int(ext)
	}
	return opcode, fin, masked, length, nil
}

func (c *wsConn) readMaskKey(masked bool) ([4]byte, error) {
	var mask [4]byte
	if !masked {
		return mask, nil
	}
	if _, err := io.ReadFull(c.rw, mask[:]); err != nil {
		return mask, err
	}
	return mask, nil
}

func applyMask(payload []byte, mask [4]byte) {
	for i := range payload {
		payload[i] ^= mask[i%4]
	}
}

func (c *wsConn) close() {
	_ = c.conn.Close()
}

func computeAccept(key string) string {
	const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	sum := sha1.Sum([]byte(key + wsGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}
