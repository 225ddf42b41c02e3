package codec

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dep2p/go-rendezvous/pkg/types"
)

// 字段编号
const (
	keyTensorName       protowire.Number = 1
	keySendDevice       protowire.Number = 2
	keyRecvDevice       protowire.Number = 3
	keyIncarnation      protowire.Number = 4
	keyClientTerminated protowire.Number = 5

	valueDType       protowire.Number = 1
	valueShape       protowire.Number = 2
	valueData        protowire.Number = 3
	valueMemory      protowire.Number = 4
	valueDevice      protowire.Number = 5
	valueIsDead      protowire.Number = 6
	valueCompression protowire.Number = 7
	valueRawSize     protowire.Number = 8

	requestKey      protowire.Number = 1
	requestValue    protowire.Number = 2
	requestDeadline protowire.Number = 3

	resultCode    protowire.Number = 1
	resultMessage protowire.Number = 2
	resultValue   protowire.Number = 3

	helloEntry            protowire.Number = 1
	helloEntryDevice      protowire.Number = 1
	helloEntryIncarnation protowire.Number = 2
)

// ============================================================================
//                              通用解析
// ============================================================================

// fieldFunc 处理一个字段，返回消耗的字节数；返回 0 表示跳过该字段
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

// walk 依次处理每个字段
func walk(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendVarint(b, num, 1)
}

// ============================================================================
//                              RendezvousKey
// ============================================================================

func appendKey(b []byte, k types.RendezvousKey) []byte {
	b = appendString(b, keyTensorName, k.TensorName)
	b = appendString(b, keySendDevice, k.SendDevice)
	b = appendString(b, keyRecvDevice, k.RecvDevice)
	b = protowire.AppendTag(b, keyIncarnation, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, k.SendDeviceIncarnation)
	return appendBool(b, keyClientTerminated, k.ClientTerminated)
}

func parseKey(b []byte) (types.RendezvousKey, error) {
	var k types.RendezvousKey
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case typ == protowire.BytesType && (num == keyTensorName || num == keySendDevice || num == keyRecvDevice):
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return n, nil
			}
			switch num {
			case keyTensorName:
				k.TensorName = s
			case keySendDevice:
				k.SendDevice = s
			default:
				k.RecvDevice = s
			}
			return n, nil
		case num == keyIncarnation && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n >= 0 {
				k.SendDeviceIncarnation = v
			}
			return n, nil
		case num == keyClientTerminated && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n >= 0 {
				k.ClientTerminated = v != 0
			}
			return n, nil
		}
		return 0, nil
	})
	return k, err
}

// ============================================================================
//                              Value
// ============================================================================

func (c *Codec) appendValue(b []byte, v types.Value) ([]byte, error) {
	data := v.Data
	comp := compressionNone
	if c.threshold > 0 && len(data) >= c.threshold {
		if z := c.enc.EncodeAll(data, nil); len(z) < len(data) {
			data = z
			comp = compressionZstd
		}
	}
	if len(data) > c.maxFrame {
		return nil, fmt.Errorf("%w: payload %d > %d", ErrFrameTooLarge, len(data), c.maxFrame)
	}

	b = appendString(b, valueDType, v.DType)
	if len(v.Shape) > 0 {
		var packed []byte
		for _, d := range v.Shape {
			packed = protowire.AppendVarint(packed, uint64(d))
		}
		b = protowire.AppendTag(b, valueShape, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	b = appendBytes(b, valueData, data)
	b = appendVarint(b, valueMemory, uint64(v.Memory))
	b = appendString(b, valueDevice, v.Device)
	b = appendBool(b, valueIsDead, v.IsDead)
	b = appendVarint(b, valueCompression, comp)
	b = appendVarint(b, valueRawSize, uint64(len(v.Data)))
	return b, nil
}

func (c *Codec) parseValue(b []byte) (types.Value, error) {
	var (
		v       types.Value
		comp    uint64
		rawSize uint64
		hasData bool
	)
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == valueDType && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			v.DType = s
			return n, nil
		case num == valueShape && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			shape := make([]int64, 0, len(packed))
			for len(packed) > 0 {
				d, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return m, nil
				}
				shape = append(shape, int64(d))
				packed = packed[m:]
			}
			v.Shape = shape
			return n, nil
		case num == valueData && typ == protowire.BytesType:
			d, n := protowire.ConsumeBytes(b)
			v.Data = d
			hasData = true
			return n, nil
		case num == valueDevice && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			v.Device = s
			return n, nil
		case typ == protowire.VarintType && (num == valueMemory || num == valueIsDead || num == valueCompression || num == valueRawSize):
			x, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return n, nil
			}
			switch num {
			case valueMemory:
				v.Memory = types.MemoryKind(x)
			case valueIsDead:
				v.IsDead = x != 0
			case valueCompression:
				comp = x
			default:
				rawSize = x
			}
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return types.Value{}, err
	}

	switch comp {
	case compressionNone:
	case compressionZstd:
		if !hasData {
			return types.Value{}, fmt.Errorf("%w: compressed value without data", ErrMalformed)
		}
		if rawSize > uint64(c.maxFrame) {
			return types.Value{}, fmt.Errorf("%w: raw size %d > %d", ErrFrameTooLarge, rawSize, c.maxFrame)
		}
		raw, err := c.dec.DecodeAll(v.Data, make([]byte, 0, rawSize))
		if err != nil {
			return types.Value{}, fmt.Errorf("%w: zstd: %v", ErrMalformed, err)
		}
		if uint64(len(raw)) != rawSize {
			return types.Value{}, fmt.Errorf("%w: raw size %d, want %d", ErrMalformed, len(raw), rawSize)
		}
		v.Data = raw
	default:
		return types.Value{}, fmt.Errorf("%w: unknown compression %d", ErrMalformed, comp)
	}
	return v, nil
}

// ============================================================================
//                              Request / Result / Hello
// ============================================================================

func (c *Codec) appendRequest(b []byte, req Request) ([]byte, error) {
	b = protowire.AppendTag(b, requestKey, protowire.BytesType)
	b = protowire.AppendBytes(b, appendKey(nil, req.Key))

	if req.Type == FrameDeliver {
		vb, err := c.appendValue(nil, req.Value)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, requestValue, protowire.BytesType)
		b = protowire.AppendBytes(b, vb)
	}
	if !req.Deadline.IsZero() {
		b = appendVarint(b, requestDeadline, protowire.EncodeZigZag(req.Deadline.UnixNano()))
	}
	return b, nil
}

func (c *Codec) parseRequest(b []byte) (Request, error) {
	var req Request
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == requestKey && typ == protowire.BytesType:
			kb, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			k, err := parseKey(kb)
			if err != nil {
				return 0, err
			}
			req.Key = k
			return n, nil
		case num == requestValue && typ == protowire.BytesType:
			vb, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			v, err := c.parseValue(vb)
			if err != nil {
				return 0, err
			}
			req.Value = v
			return n, nil
		case num == requestDeadline && typ == protowire.VarintType:
			x, n := protowire.ConsumeVarint(b)
			if n >= 0 {
				req.Deadline = time.Unix(0, protowire.DecodeZigZag(x))
			}
			return n, nil
		}
		return 0, nil
	})
	return req, err
}

func (c *Codec) appendResult(b []byte, res Result) ([]byte, error) {
	b = appendVarint(b, resultCode, uint64(res.Code))
	b = appendString(b, resultMessage, res.Message)
	if res.Code == types.CodeOK {
		vb, err := c.appendValue(nil, res.Value)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, resultValue, protowire.BytesType)
		b = protowire.AppendBytes(b, vb)
	}
	return b, nil
}

func (c *Codec) parseResult(b []byte) (Result, error) {
	var res Result
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == resultCode && typ == protowire.VarintType:
			x, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return n, nil
			}
			if x > math.MaxUint32 {
				return 0, fmt.Errorf("%w: code %d", ErrMalformed, x)
			}
			res.Code = types.Code(x)
			return n, nil
		case num == resultMessage && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			res.Message = s
			return n, nil
		case num == resultValue && typ == protowire.BytesType:
			vb, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			v, err := c.parseValue(vb)
			if err != nil {
				return 0, err
			}
			res.Value = v
			return n, nil
		}
		return 0, nil
	})
	return res, err
}

func appendHello(b []byte, h Hello) []byte {
	for device, inc := range h.Incarnations {
		var e []byte
		e = appendString(e, helloEntryDevice, device)
		e = protowire.AppendTag(e, helloEntryIncarnation, protowire.Fixed64Type)
		e = protowire.AppendFixed64(e, inc)

		b = protowire.AppendTag(b, helloEntry, protowire.BytesType)
		b = protowire.AppendBytes(b, e)
	}
	return b
}

func parseHello(b []byte) (Hello, error) {
	h := Hello{Incarnations: make(map[string]uint64)}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != helloEntry || typ != protowire.BytesType {
			return 0, nil
		}
		eb, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}

		var (
			device string
			inc    uint64
		)
		err := walk(eb, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch {
			case num == helloEntryDevice && typ == protowire.BytesType:
				s, m := protowire.ConsumeString(b)
				device = s
				return m, nil
			case num == helloEntryIncarnation && typ == protowire.Fixed64Type:
				x, m := protowire.ConsumeFixed64(b)
				inc = x
				return m, nil
			}
			return 0, nil
		})
		if err != nil {
			return 0, err
		}
		if device == "" {
			return 0, fmt.Errorf("%w: hello entry without device", ErrMalformed)
		}
		h.Incarnations[device] = inc
		return n, nil
	})
	return h, err
}
