package types

import "time"

// 设备类型，与浏览器 MediaDeviceInfo.kind 保持一致
const (
	KindAudioInput = "audioinput"
	KindVideoInput = "videoinput"
)

// Device 媒体设备
type Device struct {
	DeviceID string `json:"deviceId"`
	Label    string `json:"label"`
	Kind     string `json:"kind"`
}

// DeviceList 按类别划分的设备列表
type DeviceList struct {
	Mics    []Device `json:"mics"`
	Cameras []Device `json:"cameras"`
}

// DeviceSelection 切换设备时指定的设备ID，空值表示使用默认设备
type DeviceSelection struct {
	MicID    string
	CameraID string
}

// TrackConstraint 单一轨道约束，DeviceID 非空时要求精确匹配
type TrackConstraint struct {
	Enabled  bool
	DeviceID string
}

// MediaConstraints 获取本地流的约束
type MediaConstraints struct {
	Audio TrackConstraint
	Video TrackConstraint
}

// ConstraintsFor 根据设备选择生成音视频约束
func ConstraintsFor(sel DeviceSelection) MediaConstraints {
	return MediaConstraints{
		Audio: TrackConstraint{Enabled: true, DeviceID: sel.MicID},
		Video: TrackConstraint{Enabled: true, DeviceID: sel.CameraID},
	}
}

// RTCToken 视频房间令牌
type RTCToken struct {
	Token    string `json:"token"`
	RoomID   string `json:"roomId"`
	UID      string `json:"uid"`
	AppID    string `json:"appId"`
	ExpireAt int64  `json:"expireAt"`
}

// NetworkQuality 网络质量 0-5，0 表示未知
type NetworkQuality int

const (
	QualityUnknown NetworkQuality = iota
	QualityVeryPoor
	QualityPoor
	QualityFair
	QualityGood
	QualityExcellent
)

var qualityLabels = map[NetworkQuality]string{
	QualityUnknown:   "未知",
	QualityVeryPoor:  "极差",
	QualityPoor:      "较差",
	QualityFair:      "一般",
	QualityGood:      "良好",
	QualityExcellent: "优秀",
}

// Label 网络质量的显示文字
func (q NetworkQuality) Label() string {
	if l, ok := qualityLabels[q]; ok {
		return l
	}
	return qualityLabels[QualityUnknown]
}

// Valid 是否在 0-5 范围内
func (q NetworkQuality) Valid() bool {
	return q >= QualityUnknown && q <= QualityExcellent
}

// QualityFromRTT 根据心跳往返时延估算网络质量
func QualityFromRTT(rtt time.Duration) NetworkQuality {
	switch {
	case rtt <= 0:
		return QualityUnknown
	case rtt < 100*time.Millisecond:
		return QualityExcellent
	case rtt < 250*time.Millisecond:
		return QualityGood
	case rtt < 500*time.Millisecond:
		return QualityFair
	case rtt < 1500*time.Millisecond:
		return QualityPoor
	default:
		return QualityVeryPoor
	}
}

// MediaState 媒体会话状态
type MediaState struct {
	Connected      bool
	AudioEnabled   bool
	VideoEnabled   bool
	NetworkQuality NetworkQuality
	Err            error
}

// InitialMediaState 会话初始状态
func InitialMediaState() MediaState {
	return MediaState{AudioEnabled: true, VideoEnabled: true}
}

// Notification 站内通知
type Notification struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"` // info, success, warning, error
	Source    MessageType `json:"source"`
	Title     string      `json:"title"`
	Message   string      `json:"message"`
	Timestamp int64       `json:"timestamp"`
	Read      bool        `json:"read"`
}
