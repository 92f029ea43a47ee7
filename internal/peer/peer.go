// Package peer builds WebRTC peer connections for a media session. Offer and
// answer exchange is left to the room provider's signalling.
package peer

import (
	"context"
	"fmt"
	"sync"

	"github.com/BetaCatPro/medlink-rt/internal/errors"
	"github.com/BetaCatPro/medlink-rt/pkg/media"
	"github.com/BetaCatPro/medlink-rt/pkg/types"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("peer")

// LocalTrack 可以发送到连接的本地轨道
type LocalTrack interface {
	TrackLocal() webrtc.TrackLocal
}

// Factory 点对点连接工厂
type Factory struct {
	iceServers []string
	setupMedia func(*webrtc.MediaEngine) error
	onState    func(types.RTCToken, webrtc.PeerConnectionState)
}

// Option 工厂选项
type Option func(*Factory)

// WithMediaEngine 自定义编码注册，默认使用 RegisterDefaultCodecs
func WithMediaEngine(fn func(*webrtc.MediaEngine) error) Option {
	return func(f *Factory) { f.setupMedia = fn }
}

// OnStateChange 连接状态回调
func OnStateChange(fn func(types.RTCToken, webrtc.PeerConnectionState)) Option {
	return func(f *Factory) { f.onState = fn }
}

// NewFactory 创建工厂
func NewFactory(iceServers []string, opts ...Option) *Factory {
	f := &Factory{
		iceServers: iceServers,
		setupMedia: func(m *webrtc.MediaEngine) error { return m.RegisterDefaultCodecs() },
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NewPeer 创建连接并加入本地轨道。没有对应本地轨道的类型添加仅接收的收发器
func (f *Factory) NewPeer(ctx context.Context, token types.RTCToken, local media.Stream) (media.PeerConnection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := f.setupMedia(mediaEngine); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	var servers []webrtc.ICEServer
	if len(f.iceServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: f.iceServers}}
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	p := &Peer{
		pc:      pc,
		room:    token.RoomID,
		senders: make(map[webrtc.RTPCodecType]*webrtc.RTPSender),
		locals:  make(map[webrtc.RTPCodecType]webrtc.TrackLocal),
	}
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Infow("peer state", "room", token.RoomID, "state", s.String())
		if f.onState != nil {
			f.onState(token, s)
		}
	})

	if err := p.addLocal(local); err != nil {
		pc.Close()
		return nil, err
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, ok := p.senders[kind]; ok {
			continue
		}
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Warnw("add recvonly transceiver failed", "kind", kind.String(), "error", err)
		}
	}

	log.Infow("peer ready", "room", token.RoomID, "senders", len(p.senders))
	return p, nil
}

// Peer 包装 webrtc.PeerConnection，支持替换本地轨道
type Peer struct {
	pc   *webrtc.PeerConnection
	room string

	mu      sync.Mutex
	senders map[webrtc.RTPCodecType]*webrtc.RTPSender
	locals  map[webrtc.RTPCodecType]webrtc.TrackLocal // 暂停期间保留，恢复时重新绑定
	closed  bool
}

func (p *Peer) addLocal(local media.Stream) error {
	if local == nil {
		return nil
	}
	for _, t := range local.Tracks() {
		if err := p.attach(t); err != nil {
			return err
		}
	}
	return nil
}

// attach 发送轨道，已有同类发送端时替换；已关闭的轨道只记录不发送
func (p *Peer) attach(t media.Track) error {
	lt, ok := t.(LocalTrack)
	if !ok {
		return nil
	}
	tl := lt.TrackLocal()
	kind := tl.Kind()
	p.locals[kind] = tl

	sender, ok := p.senders[kind]
	if !ok {
		s, err := p.pc.AddTrack(tl)
		if err != nil {
			return fmt.Errorf("add track %s: %w", t.ID(), err)
		}
		p.senders[kind] = s
		if t.Enabled() {
			return nil
		}
		sender = s
	}

	var next webrtc.TrackLocal
	if t.Enabled() {
		next = tl
	}
	if err := sender.ReplaceTrack(next); err != nil {
		return fmt.Errorf("replace %s track: %w", kind.String(), err)
	}
	return nil
}

// ReplaceTracks 用新流中同类型的轨道替换正在发送的轨道
func (p *Peer) ReplaceTracks(stream media.Stream) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.ErrConnectionClosed
	}
	for _, t := range stream.Tracks() {
		if err := p.attach(t); err != nil {
			return err
		}
	}
	return nil
}

// SetTrackEnabled 暂停时解绑发送端的轨道，恢复时重新绑定
func (p *Peer) SetTrackEnabled(kind string, on bool) error {
	codec := webrtc.RTPCodecTypeAudio
	switch kind {
	case types.KindAudioInput:
	case types.KindVideoInput:
		codec = webrtc.RTPCodecTypeVideo
	default:
		return fmt.Errorf("unknown track kind %q", kind)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.ErrConnectionClosed
	}
	sender, ok := p.senders[codec]
	if !ok {
		return nil
	}
	var next webrtc.TrackLocal
	if on {
		next = p.locals[codec]
	}
	if err := sender.ReplaceTrack(next); err != nil {
		return fmt.Errorf("set %s enabled=%v: %w", kind, on, err)
	}
	log.Debugw("track sending changed", "room", p.room, "kind", kind, "enabled", on)
	return nil
}

// Senders 正在发送的轨道数量
func (p *Peer) Senders() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.senders)
}

// Raw 底层连接，供信令层生成 offer/answer
func (p *Peer) Raw() *webrtc.PeerConnection { return p.pc }

// Close 关闭连接，可重复调用
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	log.Debugw("peer closed", "room", p.room)
	return p.pc.Close()
}
