//go:build linux && cgo

package device

import (
	// V4L2 摄像头与 malgo 麦克风驱动
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
)
