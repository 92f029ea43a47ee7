package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/BetaCatPro/medlink-rt/internal/errors"
	"github.com/BetaCatPro/medlink-rt/pkg/types"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("media")

// Session 视频问诊媒体会话：本地流、音视频开关、加入/离开房间
type Session struct {
	consultationID int64
	devices        MediaDevices
	rooms          RoomService
	peers          PeerFactory
	errorCenter    *errors.ErrorCenter

	mu         sync.Mutex
	state      types.MediaState
	local      Stream
	remote     Stream
	peer       PeerConnection
	deviceList types.DeviceList
	selection  types.DeviceSelection
}

// SessionOption 会话选项
type SessionOption func(*Session)

// WithPeerFactory 加入房间后创建点对点连接
func WithPeerFactory(f PeerFactory) SessionOption {
	return func(s *Session) { s.peers = f }
}

// WithErrorCenter 共享错误处理中心
func WithErrorCenter(ec *errors.ErrorCenter) SessionOption {
	return func(s *Session) { s.errorCenter = ec }
}

// NewSession 创建问诊的媒体会话
func NewSession(consultationID int64, devices MediaDevices, rooms RoomService, opts ...SessionOption) *Session {
	s := &Session{
		consultationID: consultationID,
		devices:        devices,
		rooms:          rooms,
		state:          types.InitialMediaState(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.errorCenter == nil {
		s.errorCenter = errors.NewErrorCenter()
	}
	return s
}

// GetDevices 获取设备列表，按麦克风与摄像头划分
func (s *Session) GetDevices(ctx context.Context) (types.DeviceList, error) {
	all, err := s.devices.EnumerateDevices(ctx)
	if err != nil {
		log.Errorw("获取设备列表失败", "error", err)
		return types.DeviceList{}, err
	}

	list := types.DeviceList{Mics: []types.Device{}, Cameras: []types.Device{}}
	for _, d := range all {
		switch d.Kind {
		case types.KindAudioInput:
			if d.Label == "" {
				d.Label = "麦克风 " + shortID(d.DeviceID)
			}
			list.Mics = append(list.Mics, d)
		case types.KindVideoInput:
			if d.Label == "" {
				d.Label = "摄像头 " + shortID(d.DeviceID)
			}
			list.Cameras = append(list.Cameras, d)
		}
	}

	s.mu.Lock()
	s.deviceList = list
	s.mu.Unlock()
	return list, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// acquire 按设备选择获取本地流，并套用当前的音视频开关
func (s *Session) acquire(ctx context.Context, sel types.DeviceSelection) (Stream, error) {
	stream, err := s.devices.GetUserMedia(ctx, types.ConstraintsFor(sel))
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	audio, video := s.state.AudioEnabled, s.state.VideoEnabled
	s.mu.Unlock()
	for _, t := range stream.AudioTracks() {
		t.SetEnabled(audio)
	}
	for _, t := range stream.VideoTracks() {
		t.SetEnabled(video)
	}
	return stream, nil
}

// JoinRoom 获取房间令牌与本地流，通知后端加入并标记已连接
func (s *Session) JoinRoom(ctx context.Context) (types.RTCToken, error) {
	token, err := s.rooms.GetToken(ctx, s.consultationID)
	if err != nil {
		return types.RTCToken{}, s.fail(fmt.Errorf("get rtc token: %w", err))
	}

	s.mu.Lock()
	sel := s.selection
	s.mu.Unlock()

	stream, err := s.acquire(ctx, sel)
	if err != nil {
		return types.RTCToken{}, s.fail(fmt.Errorf("无法获取摄像头/麦克风权限: %w", err))
	}

	if err := s.rooms.JoinRoom(ctx, s.consultationID); err != nil {
		StopStream(stream)
		return types.RTCToken{}, s.fail(fmt.Errorf("join room: %w", err))
	}

	var peer PeerConnection
	if s.peers != nil {
		peer, err = s.peers.NewPeer(ctx, token, stream)
		if err != nil {
			StopStream(stream)
			if lerr := s.rooms.LeaveRoom(ctx, s.consultationID); lerr != nil {
				log.Warnw("回滚离开房间失败", "error", lerr)
			}
			return types.RTCToken{}, s.fail(fmt.Errorf("create peer: %w", err))
		}
	}

	s.mu.Lock()
	old := s.local
	s.local = stream
	s.peer = peer
	s.state.Connected = true
	s.state.Err = nil
	s.mu.Unlock()
	if old != nil {
		StopStream(old)
	}

	log.Infow("已加入视频房间", "consultation", s.consultationID, "room", token.RoomID)
	return token, nil
}

// fail 记录错误状态，保持未连接
func (s *Session) fail(err error) error {
	s.mu.Lock()
	s.state.Err = err
	s.state.Connected = false
	s.mu.Unlock()
	s.errorCenter.ReportError(err)
	return err
}

// LeaveRoom 停止本地流、关闭连接并通知后端。失败只记录日志
func (s *Session) LeaveRoom(ctx context.Context) {
	s.release()

	if err := s.rooms.LeaveRoom(ctx, s.consultationID); err != nil {
		log.Errorw("离开房间失败", "consultation", s.consultationID, "error", err)
	}

	s.mu.Lock()
	s.state = types.InitialMediaState()
	s.remote = nil
	s.mu.Unlock()
	log.Infow("已离开视频房间", "consultation", s.consultationID)
}

// release 停止所有本地轨道并关闭点对点连接
func (s *Session) release() {
	s.mu.Lock()
	local, peer := s.local, s.peer
	s.local, s.peer = nil, nil
	s.mu.Unlock()

	StopStream(local)
	if peer != nil {
		if err := peer.Close(); err != nil {
			log.Warnw("关闭连接失败", "error", err)
		}
	}
}

// Close 组件销毁时清理，不通知后端
func (s *Session) Close() {
	s.release()
	s.mu.Lock()
	s.state.Connected = false
	s.mu.Unlock()
}

// ToggleMic 切换麦克风，可传入 true/false 强制开关。无本地流时不做任何事
func (s *Session) ToggleMic(on ...bool) bool {
	return s.toggle(types.KindAudioInput, on)
}

// ToggleCamera 切换摄像头
func (s *Session) ToggleCamera(on ...bool) bool {
	return s.toggle(types.KindVideoInput, on)
}

func (s *Session) toggle(kind string, on []bool) bool {
	s.mu.Lock()
	current := s.state.AudioEnabled
	if kind == types.KindVideoInput {
		current = s.state.VideoEnabled
	}
	if s.local == nil {
		s.mu.Unlock()
		return current
	}

	var tracks []Track
	if kind == types.KindAudioInput {
		tracks = s.local.AudioTracks()
	} else {
		tracks = s.local.VideoTracks()
	}
	if len(tracks) == 0 {
		s.mu.Unlock()
		return current
	}

	track := tracks[0]
	next := !track.Enabled()
	if len(on) > 0 {
		next = on[0]
	}
	track.SetEnabled(next)
	if kind == types.KindAudioInput {
		s.state.AudioEnabled = next
	} else {
		s.state.VideoEnabled = next
	}
	peer := s.peer
	s.mu.Unlock()

	if m, ok := peer.(TrackMuter); ok {
		if err := m.SetTrackEnabled(kind, next); err != nil {
			log.Warnw("切换发送状态失败", "kind", kind, "enabled", next, "error", err)
		}
	}
	return next
}

// SwitchDevice 切换设备：先获取新流，成功后再停止旧流；失败时保留旧流
func (s *Session) SwitchDevice(ctx context.Context, sel types.DeviceSelection) error {
	stream, err := s.acquire(ctx, sel)
	if err != nil {
		err = fmt.Errorf("设备切换失败: %w", err)
		s.mu.Lock()
		s.state.Err = err
		s.mu.Unlock()
		s.errorCenter.ReportError(err)
		return err
	}

	s.mu.Lock()
	old := s.local
	peer := s.peer
	s.local = stream
	s.selection = sel
	s.state.Err = nil
	s.mu.Unlock()

	if r, ok := peer.(TrackReplacer); ok {
		if err := r.ReplaceTracks(stream); err != nil {
			log.Warnw("替换轨道失败", "error", err)
		}
	}
	StopStream(old)
	log.Infow("设备切换成功", "mic", sel.MicID, "camera", sel.CameraID)
	return nil
}

// SetNetworkQuality 更新网络质量（0-5）
func (s *Session) SetNetworkQuality(q types.NetworkQuality) {
	if !q.Valid() {
		q = types.QualityUnknown
	}
	s.mu.Lock()
	s.state.NetworkQuality = q
	s.mu.Unlock()
}

// SetRemoteStream 由外部信令层在收到远端流时设置
func (s *Session) SetRemoteStream(remote Stream) {
	s.mu.Lock()
	s.remote = remote
	s.mu.Unlock()
}

// State 当前状态快照
func (s *Session) State() types.MediaState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LocalStream 当前本地流
func (s *Session) LocalStream() Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// RemoteStream 当前远端流
func (s *Session) RemoteStream() Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// Devices 最近一次枚举的设备
func (s *Session) Devices() types.DeviceList {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceList
}
