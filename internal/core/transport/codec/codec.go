// Package codec 实现跨进程传输的帧编解码
//
// 帧格式：类型（1 字节）| 长度（4 字节大端）| 正文。
// 正文字段使用 protobuf wire 格式编码，未知字段被跳过，便于后续扩展。
// 载荷超过阈值时使用 zstd 压缩。
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/dep2p/go-rendezvous/pkg/types"
)

// FrameType 帧类型
type FrameType byte

const (
	// FrameHello 连接建立后双方交换的首帧
	FrameHello FrameType = iota + 1
	// FrameLookup 被动模式取值请求
	FrameLookup
	// FrameDeliver 主动推送请求
	FrameDeliver
	// FrameResult 请求结果
	FrameResult
)

// String 返回帧类型名称
func (t FrameType) String() string {
	switch t {
	case FrameHello:
		return "hello"
	case FrameLookup:
		return "lookup"
	case FrameDeliver:
		return "deliver"
	case FrameResult:
		return "result"
	default:
		return fmt.Sprintf("frame(%d)", byte(t))
	}
}

var (
	// ErrFrameTooLarge 帧超过大小限制
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrUnexpectedFrame 收到了不期望的帧类型
	ErrUnexpectedFrame = errors.New("unexpected frame type")
	// ErrMalformed 帧正文格式错误
	ErrMalformed = errors.New("malformed frame")
)

// 压缩算法
const (
	compressionNone uint64 = 0
	compressionZstd uint64 = 1
)

// ============================================================================
//                              消息
// ============================================================================

// Hello 握手消息，携带发送方本地设备的 incarnation
type Hello struct {
	Incarnations map[string]uint64
}

// Request 取值或推送请求
type Request struct {
	Type  FrameType
	Key   types.RendezvousKey
	Value types.Value

	// Deadline 请求方的截止时间，零值表示不限
	Deadline time.Time
}

// Result 请求结果
type Result struct {
	Code    types.Code
	Message string
	Value   types.Value
}

// ResultOf 根据处理结果构造 Result
func ResultOf(v types.Value, err error) Result {
	if err != nil {
		return Result{Code: types.CodeOf(err), Message: err.Error()}
	}
	return Result{Code: types.CodeOK, Value: v}
}

// Err 还原远端错误
func (r Result) Err() error {
	return r.Code.Err(r.Message)
}

// ============================================================================
//                              Codec
// ============================================================================

// Codec 帧编解码器，可并发使用
type Codec struct {
	threshold int
	maxFrame  int

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// New 创建编解码器
//
// threshold 为压缩阈值（0 表示不压缩），maxFrame 为单帧上限。
func New(threshold, maxFrame int) (*Codec, error) {
	if maxFrame <= 0 {
		return nil, fmt.Errorf("max frame size must be positive")
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(maxFrame)))
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &Codec{
		threshold: threshold,
		maxFrame:  maxFrame,
		enc:       enc,
		dec:       dec,
	}, nil
}

// Close 释放压缩器资源
func (c *Codec) Close() error {
	c.dec.Close()
	return c.enc.Close()
}

// ============================================================================
//                              帧读写
// ============================================================================

// writeFrame 写入一帧
func (c *Codec) writeFrame(w io.Writer, t FrameType, body []byte) error {
	if len(body) > c.maxFrame {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(body), c.maxFrame)
	}

	var hdr [5]byte
	hdr[0] = byte(t)
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return err
		}
	}
	return nil
}

// readFrame 读取一帧
func (c *Codec) readFrame(r io.Reader) (FrameType, []byte, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}

	length := binary.BigEndian.Uint32(hdr[1:])
	if int64(length) > int64(c.maxFrame) {
		return 0, nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, c.maxFrame)
	}
	if length == 0 {
		return FrameType(hdr[0]), nil, nil
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return FrameType(hdr[0]), body, nil
}

// expect 读取一帧并校验类型
func (c *Codec) expect(r io.Reader, want ...FrameType) (FrameType, []byte, error) {
	t, body, err := c.readFrame(r)
	if err != nil {
		return 0, nil, err
	}
	for _, w := range want {
		if t == w {
			return t, body, nil
		}
	}
	return 0, nil, fmt.Errorf("%w: %s", ErrUnexpectedFrame, t)
}

// WriteHello 写入握手帧
func (c *Codec) WriteHello(w io.Writer, h Hello) error {
	return c.writeFrame(w, FrameHello, appendHello(nil, h))
}

// ReadHello 读取握手帧
func (c *Codec) ReadHello(r io.Reader) (Hello, error) {
	_, body, err := c.expect(r, FrameHello)
	if err != nil {
		return Hello{}, err
	}
	return parseHello(body)
}

// WriteRequest 写入请求帧
func (c *Codec) WriteRequest(w io.Writer, req Request) error {
	if req.Type != FrameLookup && req.Type != FrameDeliver {
		return fmt.Errorf("%w: %s", ErrUnexpectedFrame, req.Type)
	}
	body, err := c.appendRequest(nil, req)
	if err != nil {
		return err
	}
	return c.writeFrame(w, req.Type, body)
}

// ReadRequest 读取请求帧
func (c *Codec) ReadRequest(r io.Reader) (Request, error) {
	t, body, err := c.expect(r, FrameLookup, FrameDeliver)
	if err != nil {
		return Request{}, err
	}
	req, err := c.parseRequest(body)
	if err != nil {
		return Request{}, err
	}
	req.Type = t
	return req, nil
}

// WriteResult 写入结果帧
func (c *Codec) WriteResult(w io.Writer, res Result) error {
	body, err := c.appendResult(nil, res)
	if err != nil {
		return err
	}
	return c.writeFrame(w, FrameResult, body)
}

// ReadResult 读取结果帧
func (c *Codec) ReadResult(r io.Reader) (Result, error) {
	_, body, err := c.expect(r, FrameResult)
	if err != nil {
		return Result{}, err
	}
	return c.parseResult(body)
}
