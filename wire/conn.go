// Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sruth-project/sruth/internal/sos"
	"github.com/sruth-project/sruth/piece"
)

// frame header: 1 byte stream id, 1 byte msg type, 4 bytes big-endian
// payload length. Mirrors the fixed-size-header-plus-length-and-flags shape
// of transport/pdu.go, scaled down to this protocol's needs (no separate
// PDU-vs-whole-object distinction: every DATA frame already carries a
// length-prefixed payload).
const headerSize = 1 + 1 + 4

// MaxPayload bounds a single frame's body, matching transport/pdu.go's
// maxSizePDU-style sanity ceiling against a corrupt or hostile peer.
const MaxPayload = 16 << 20

// Connection multiplexes the three logical NOTICE/REQUEST/DATA streams
// over one net.Conn: a single reader goroutine demultiplexes incoming
// frames into three channels, and writes are serialized by one mutex, so
// each logical stream is still strictly FIFO even though all three share
// one TCP byte stream.
type Connection struct {
	nc net.Conn
	bw *bufio.Writer
	br *bufio.Reader

	wmu sync.Mutex

	notice  chan frame
	request chan frame
	data    chan frame

	closeOnce sync.Once
	closed    chan struct{}
	readErr   error
	readErrMu sync.Mutex
}

type frame struct {
	typ msgType
	buf []byte
}

const chanDepth = 64

// NewConnection wraps nc and starts its demultiplexing reader goroutine.
func NewConnection(nc net.Conn) *Connection {
	c := &Connection{
		nc:      nc,
		bw:      bufio.NewWriter(nc),
		br:      bufio.NewReader(nc),
		notice:  make(chan frame, chanDepth),
		request: make(chan frame, chanDepth),
		data:    make(chan frame, chanDepth),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Connection) readLoop() {
	defer close(c.notice)
	defer close(c.request)
	defer close(c.data)

	for {
		var hdr [headerSize]byte
		if _, err := io.ReadFull(c.br, hdr[:]); err != nil {
			c.setReadErr(err)
			return
		}
		stream := Stream(hdr[0])
		typ := msgType(hdr[1])
		plen := binary.BigEndian.Uint32(hdr[2:6])
		if plen > MaxPayload {
			c.setReadErr(sos.NewErrProtocolViolation(fmt.Sprintf("frame too large: %d", plen)))
			return
		}
		buf := make([]byte, plen)
		if _, err := io.ReadFull(c.br, buf); err != nil {
			c.setReadErr(err)
			return
		}

		f := frame{typ: typ, buf: buf}
		var ch chan frame
		switch stream {
		case StreamNotice:
			ch = c.notice
		case StreamRequest:
			ch = c.request
		case StreamData:
			ch = c.data
		default:
			c.setReadErr(sos.NewErrProtocolViolation(fmt.Sprintf("bad stream id %d", stream)))
			return
		}
		select {
		case ch <- f:
		case <-c.closed:
			return
		}
	}
}

func (c *Connection) setReadErr(err error) {
	c.readErrMu.Lock()
	if c.readErr == nil {
		c.readErr = err
	}
	c.readErrMu.Unlock()
}

func (c *Connection) ReadErr() error {
	c.readErrMu.Lock()
	defer c.readErrMu.Unlock()
	return c.readErr
}

func (c *Connection) send(stream Stream, typ msgType, payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("wire: payload of %d bytes exceeds MaxPayload", len(payload))
	}
	var hdr [headerSize]byte
	hdr[0] = byte(stream)
	hdr[1] = byte(typ)
	binary.BigEndian.PutUint32(hdr[2:6], uint32(len(payload)))

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.bw.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := c.bw.Write(payload); err != nil {
		return err
	}
	return c.bw.Flush()
}

// recv blocks for the next frame on ch, translating a closed channel
// (meaning the read loop exited) into the underlying read error, or
// sos.ErrCancelled if the connection was closed deliberately with no read
// error recorded.
func (c *Connection) recv(ch chan frame) (frame, error) {
	select {
	case f, ok := <-ch:
		if !ok {
			if err := c.ReadErr(); err != nil {
				return frame{}, err
			}
			return frame{}, sos.NewErrCancelled("Connection.recv")
		}
		return f, nil
	case <-c.closed:
		return frame{}, sos.NewErrCancelled("Connection.recv")
	}
}

// SendFilterHandshake / RecvFilterHandshake exchange a PredicateWire on the
// NOTICE stream before either side's Peer is constructed; a fresh socket
// has no Peer yet to own the three-stream split.
func (c *Connection) SendFilterHandshake(p PredicateWire) error {
	b, err := jsonAPI.Marshal(p)
	if err != nil {
		return err
	}
	return c.send(StreamNotice, msgFilterHandshake, b)
}

func (c *Connection) RecvFilterHandshake() (PredicateWire, error) {
	f, err := c.recv(c.notice)
	if err != nil {
		return PredicateWire{}, err
	}
	if f.typ != msgFilterHandshake {
		return PredicateWire{}, sos.NewErrProtocolViolation("expected filter handshake frame")
	}
	var p PredicateWire
	if err := unmarshalBody(f.buf, &p); err != nil {
		return PredicateWire{}, err
	}
	return p, nil
}

func (c *Connection) SendAdditionNotice(n AdditionNotice) error {
	b, err := jsonAPI.Marshal(n)
	if err != nil {
		return err
	}
	return c.send(StreamNotice, msgAdditionNotice, b)
}

func (c *Connection) SendRemovedFileNotice(n RemovedFileNotice) error {
	b, err := jsonAPI.Marshal(n)
	if err != nil {
		return err
	}
	return c.send(StreamNotice, msgRemovedFileNotice, b)
}

func (c *Connection) SendRemovedFilesNotice(n RemovedFilesNotice) error {
	b, err := jsonAPI.Marshal(n)
	if err != nil {
		return err
	}
	return c.send(StreamNotice, msgRemovedFilesNotice, b)
}

// NoticeMsg is the decoded union returned by RecvNotice: exactly one of
// Addition, RemovedFile, RemovedFiles is non-nil.
type NoticeMsg struct {
	Addition     *AdditionNotice
	RemovedFile  *RemovedFileNotice
	RemovedFiles *RemovedFilesNotice
}

func (c *Connection) RecvNotice() (NoticeMsg, error) {
	f, err := c.recv(c.notice)
	if err != nil {
		return NoticeMsg{}, err
	}
	switch f.typ {
	case msgAdditionNotice:
		var n AdditionNotice
		if err := unmarshalBody(f.buf, &n); err != nil {
			return NoticeMsg{}, err
		}
		return NoticeMsg{Addition: &n}, nil
	case msgRemovedFileNotice:
		var n RemovedFileNotice
		if err := unmarshalBody(f.buf, &n); err != nil {
			return NoticeMsg{}, err
		}
		return NoticeMsg{RemovedFile: &n}, nil
	case msgRemovedFilesNotice:
		var n RemovedFilesNotice
		if err := unmarshalBody(f.buf, &n); err != nil {
			return NoticeMsg{}, err
		}
		return NoticeMsg{RemovedFiles: &n}, nil
	default:
		return NoticeMsg{}, sos.NewErrProtocolViolation("unexpected frame on NOTICE stream")
	}
}

func (c *Connection) SendPieceRequest(r PieceRequest) error {
	b, err := jsonAPI.Marshal(r)
	if err != nil {
		return err
	}
	return c.send(StreamRequest, msgPieceRequest, b)
}

func (c *Connection) RecvPieceRequest() (PieceRequest, error) {
	f, err := c.recv(c.request)
	if err != nil {
		return PieceRequest{}, err
	}
	if f.typ != msgPieceRequest {
		return PieceRequest{}, sos.NewErrProtocolViolation("unexpected frame on REQUEST stream")
	}
	var r PieceRequest
	if err := unmarshalBody(f.buf, &r); err != nil {
		return PieceRequest{}, err
	}
	return r, nil
}

// SendPiece frames the header as JSON and appends the raw payload bytes
// unescaped, so a multi-hundred-KiB piece is never base64-inflated the way
// a single json.Marshal of []byte would encode it.
func (c *Connection) SendPiece(m PieceMsg) error {
	type pieceHeader struct {
		Info       []byte
		Index      int
		TimeToLive int64
		Size       int
	}
	infoJSON, err := jsonAPI.Marshal(m.Info)
	if err != nil {
		return err
	}
	ph := pieceHeader{Info: infoJSON, Index: m.Index, TimeToLive: m.TimeToLive, Size: len(m.Bytes)}
	headerJSON, err := jsonAPI.Marshal(ph)
	if err != nil {
		return err
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(headerJSON)))
	payload := make([]byte, 0, 4+len(headerJSON)+len(m.Bytes))
	payload = append(payload, lenPrefix[:]...)
	payload = append(payload, headerJSON...)
	payload = append(payload, m.Bytes...)
	return c.send(StreamData, msgPiece, payload)
}

func (c *Connection) RecvPiece() (PieceMsg, error) {
	f, err := c.recv(c.data)
	if err != nil {
		return PieceMsg{}, err
	}
	if f.typ != msgPiece {
		return PieceMsg{}, sos.NewErrProtocolViolation("unexpected frame on DATA stream")
	}
	if len(f.buf) < 4 {
		return PieceMsg{}, sos.NewErrProtocolViolation("truncated piece frame")
	}
	hlen := binary.BigEndian.Uint32(f.buf[:4])
	if int(4+hlen) > len(f.buf) {
		return PieceMsg{}, sos.NewErrProtocolViolation("truncated piece header")
	}
	type pieceHeader struct {
		Info       []byte
		Index      int
		TimeToLive int64
		Size       int
	}
	var ph pieceHeader
	if err := unmarshalBody(f.buf[4:4+hlen], &ph); err != nil {
		return PieceMsg{}, err
	}
	var info struct {
		ID        string
		FileSize  int64
		PieceSize int64
	}
	if err := unmarshalBody(ph.Info, &info); err != nil {
		return PieceMsg{}, err
	}
	body := f.buf[4+hlen:]
	if len(body) != ph.Size {
		return PieceMsg{}, sos.NewErrProtocolViolation("piece payload size mismatch")
	}
	return PieceMsg{
		Info: piece.FileInfo{
			ID:        piece.ArchivePath(info.ID),
			FileSize:  info.FileSize,
			PieceSize: info.PieceSize,
		},
		Index:      ph.Index,
		TimeToLive: ph.TimeToLive,
		Bytes:      body,
	}, nil
}

// SetHandshakeDeadline applies a socket-level timeout to the initial
// filter exchange only; the data path otherwise never times out (per
// spec.md §5, connections may idle indefinitely).
func (c *Connection) SetHandshakeDeadline(d time.Duration) error {
	return c.nc.SetDeadline(time.Now().Add(d))
}

func (c *Connection) ClearDeadline() error { return c.nc.SetDeadline(time.Time{}) }

func (c *Connection) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// Close closes the underlying socket, which forces every blocked reader
// and the read loop to return promptly — the cancellation mechanism
// spec.md §5 describes as "piggybacked on closing the underlying... file
// handle".
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.nc.Close()
	})
	return err
}
