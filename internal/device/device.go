// Package device adapts pion/mediadevices to the media session's device
// interface. Drivers are registered by the platform specific files.
package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/BetaCatPro/medlink-rt/pkg/media"
	"github.com/BetaCatPro/medlink-rt/pkg/types"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("device")

// Devices 基于 pion/mediadevices 的本地设备
type Devices struct {
	codecs *mediadevices.CodecSelector
}

// New 创建设备适配器。codecs 为空时获取的轨道只能用于本地，不可直接发送
func New(codecs *mediadevices.CodecSelector) *Devices {
	return &Devices{codecs: codecs}
}

// EnumerateDevices 列出可用的麦克风与摄像头
func (d *Devices) EnumerateDevices(ctx context.Context) ([]types.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	infos := mediadevices.EnumerateDevices()
	out := make([]types.Device, 0, len(infos))
	for _, info := range infos {
		var kind string
		switch info.Kind {
		case mediadevices.AudioInput:
			kind = types.KindAudioInput
		case mediadevices.VideoInput:
			kind = types.KindVideoInput
		default:
			continue
		}
		out = append(out, types.Device{DeviceID: info.DeviceID, Label: info.Label, Kind: kind})
	}
	log.Debugw("devices enumerated", "count", len(out))
	return out, nil
}

// GetUserMedia 按约束获取本地流。DeviceID 非空时精确匹配该设备
func (d *Devices) GetUserMedia(ctx context.Context, c types.MediaConstraints) (media.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	constraints := mediadevices.MediaStreamConstraints{Codec: d.codecs}
	if c.Audio.Enabled {
		id := c.Audio.DeviceID
		constraints.Audio = func(m *mediadevices.MediaTrackConstraints) {
			if id != "" {
				m.DeviceID = prop.StringExact(id)
			}
		}
	}
	if c.Video.Enabled {
		id := c.Video.DeviceID
		constraints.Video = func(m *mediadevices.MediaTrackConstraints) {
			if id != "" {
				m.DeviceID = prop.StringExact(id)
			}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("get user media: %w", err)
	}

	var tracks []media.Track
	for _, t := range stream.GetTracks() {
		tr := &Track{track: t, enabled: true}
		switch t.Kind() {
		case webrtc.RTPCodecTypeAudio:
			tr.kind, tr.deviceID = types.KindAudioInput, c.Audio.DeviceID
		case webrtc.RTPCodecTypeVideo:
			tr.kind, tr.deviceID = types.KindVideoInput, c.Video.DeviceID
		}
		t.OnEnded(func(err error) {
			if err != nil {
				log.Warnw("local track ended", "track", t.ID(), "error", err)
			}
		})
		tracks = append(tracks, tr)
	}
	return media.NewStream(tracks...), nil
}

// Track 包装 mediadevices.Track
type Track struct {
	track    mediadevices.Track
	kind     string
	deviceID string

	mu      sync.Mutex
	enabled bool
	stopped bool
}

func (t *Track) ID() string       { return t.track.ID() }
func (t *Track) Kind() string     { return t.kind }
func (t *Track) DeviceID() string { return t.deviceID }

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// SetEnabled 记录开关状态，实际停发由连接层的 SetTrackEnabled 完成
func (t *Track) SetEnabled(on bool) {
	t.mu.Lock()
	t.enabled = on
	t.mu.Unlock()
}

// Stop 关闭底层设备，重复调用无副作用
func (t *Track) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()
	if err := t.track.Close(); err != nil {
		log.Warnw("close track failed", "track", t.track.ID(), "error", err)
	}
}

// TrackLocal 供 WebRTC 连接发送
func (t *Track) TrackLocal() webrtc.TrackLocal {
	return t.track
}
