package media

import (
	"context"

	"github.com/BetaCatPro/medlink-rt/pkg/types"
)

// Track 本地媒体轨道
type Track interface {
	ID() string
	Kind() string // audioinput 或 videoinput
	DeviceID() string
	Enabled() bool
	SetEnabled(bool)
	Stop()
}

// Stream 本地媒体流
type Stream interface {
	Tracks() []Track
	AudioTracks() []Track
	VideoTracks() []Track
}

// MediaDevices 平台媒体设备接口
type MediaDevices interface {
	EnumerateDevices(ctx context.Context) ([]types.Device, error)
	GetUserMedia(ctx context.Context, constraints types.MediaConstraints) (Stream, error)
}

// RoomService 房间成员通知，由后端 REST 接口实现
type RoomService interface {
	GetToken(ctx context.Context, consultationID int64) (types.RTCToken, error)
	JoinRoom(ctx context.Context, consultationID int64) error
	LeaveRoom(ctx context.Context, consultationID int64) error
}

// PeerConnection 点对点连接，信令与协商由外部服务完成
type PeerConnection interface {
	Close() error
}

// TrackReplacer 支持在不重建连接的情况下替换本地轨道
type TrackReplacer interface {
	ReplaceTracks(stream Stream) error
}

// TrackMuter 在连接层暂停或恢复某类轨道的发送，kind 为 audioinput 或 videoinput
type TrackMuter interface {
	SetTrackEnabled(kind string, on bool) error
}

// PeerFactory 根据房间令牌与本地流创建点对点连接
type PeerFactory interface {
	NewPeer(ctx context.Context, token types.RTCToken, local Stream) (PeerConnection, error)
}

// StopStream 停止流中所有轨道
func StopStream(s Stream) {
	if s == nil {
		return
	}
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

// BasicStream 由轨道列表组成的流
type BasicStream struct {
	tracks []Track
}

// NewStream 创建流
func NewStream(tracks ...Track) *BasicStream {
	return &BasicStream{tracks: tracks}
}

func (s *BasicStream) Tracks() []Track {
	return append([]Track(nil), s.tracks...)
}

func (s *BasicStream) AudioTracks() []Track { return s.byKind(types.KindAudioInput) }
func (s *BasicStream) VideoTracks() []Track { return s.byKind(types.KindVideoInput) }

func (s *BasicStream) byKind(kind string) []Track {
	var out []Track
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}
