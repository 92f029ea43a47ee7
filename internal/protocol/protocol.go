package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/BetaCatPro/medlink-rt/internal/compression"
	"github.com/BetaCatPro/medlink-rt/internal/errors"
	"github.com/BetaCatPro/medlink-rt/pkg/types"
	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// MessageProtocol 消息协议接口
type MessageProtocol interface {
	Name() string
	Binary() bool                                   // 是否使用二进制帧
	Encode(types.ChannelMessage) ([]byte, error)    // 编码消息
	Decode([]byte) (types.ChannelMessage, error)    // 解码消息
}

// JSONProtocol JSON协议实现
type JSONProtocol struct{}

func (j *JSONProtocol) Name() string { return "json" }
func (j *JSONProtocol) Binary() bool { return false }

// Encode 编码为JSON
func (j *JSONProtocol) Encode(msg types.ChannelMessage) ([]byte, error) {
	return json.Marshal(msg)
}

// Decode 从JSON解码，保留原始帧
func (j *JSONProtocol) Decode(data []byte) (types.ChannelMessage, error) {
	var msg types.ChannelMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return types.ChannelMessage{}, fmt.Errorf("%w: %v", errors.ErrInvalidMessage, err)
	}
	if msg.RouteKey() == "" {
		return types.ChannelMessage{}, fmt.Errorf("%w: missing type", errors.ErrInvalidMessage)
	}
	msg.Raw = append(json.RawMessage(nil), data...)
	return msg, nil
}

// ProtobufProtocol Protobuf协议实现，消息以 google.protobuf.Struct 传输
type ProtobufProtocol struct{}

func (p *ProtobufProtocol) Name() string { return "protobuf" }
func (p *ProtobufProtocol) Binary() bool { return true }

// Encode 编码为Protobuf
func (p *ProtobufProtocol) Encode(msg types.ChannelMessage) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrProtocolError, err)
	}
	return proto.Marshal(st)
}

// Decode 从Protobuf解码
func (p *ProtobufProtocol) Decode(data []byte) (types.ChannelMessage, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return types.ChannelMessage{}, fmt.Errorf("%w: %v", errors.ErrProtocolError, err)
	}
	raw, err := json.Marshal(st.AsMap())
	if err != nil {
		return types.ChannelMessage{}, fmt.Errorf("%w: %v", errors.ErrProtocolError, err)
	}
	return (&JSONProtocol{}).Decode(raw)
}

// GetProtocol 根据名称获取协议处理器
func GetProtocol(name string) (MessageProtocol, error) {
	switch name {
	case "", "json":
		return &JSONProtocol{}, nil
	case "protobuf":
		return &ProtobufProtocol{}, nil
	default:
		return nil, fmt.Errorf("unknown protocol %q", name)
	}
}

// Codec 协议与压缩组合，负责 ChannelMessage 与 WebSocket 帧之间的转换
type Codec struct {
	protocol   MessageProtocol
	compressor compression.Compressor
}

// NewCodec 根据名称创建编解码器
func NewCodec(protocolName, compressorName string) (*Codec, error) {
	p, err := GetProtocol(protocolName)
	if err != nil {
		return nil, err
	}
	c, err := compression.GetCompressor(compressorName)
	if err != nil {
		return nil, err
	}
	return &Codec{protocol: p, compressor: c}, nil
}

// MustCodec 用于默认配置，名称非法时 panic
func MustCodec(protocolName, compressorName string) *Codec {
	c, err := NewCodec(protocolName, compressorName)
	if err != nil {
		panic(err)
	}
	return c
}

// Encode 返回帧类型与帧数据
func (c *Codec) Encode(msg types.ChannelMessage) (int, []byte, error) {
	data, err := c.protocol.Encode(msg)
	if err != nil {
		return 0, nil, err
	}
	frameType := websocket.TextMessage
	if c.protocol.Binary() {
		frameType = websocket.BinaryMessage
	}
	if c.compressor != nil {
		data, err = c.compressor.Compress(data)
		if err != nil {
			return 0, nil, fmt.Errorf("%w: %v", errors.ErrCompressionFailed, err)
		}
		frameType = websocket.BinaryMessage
	}
	return frameType, data, nil
}

// Decode 解码一帧，文本帧不做解压
func (c *Codec) Decode(frameType int, data []byte) (types.ChannelMessage, error) {
	switch frameType {
	case websocket.TextMessage:
		return c.protocol.Decode(data)
	case websocket.BinaryMessage:
		if c.compressor != nil {
			decompressed, err := c.compressor.Decompress(data)
			if err != nil {
				return types.ChannelMessage{}, fmt.Errorf("%w: %v", errors.ErrDecompressionFailed, err)
			}
			data = decompressed
		}
		return c.protocol.Decode(data)
	default:
		return types.ChannelMessage{}, fmt.Errorf("%w: unsupported frame type %d", errors.ErrInvalidMessage, frameType)
	}
}
