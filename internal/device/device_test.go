package device

import (
	"errors"
	"testing"

	"github.com/vovakirdan/meshmeet/internal/core"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"permission", errors.New("open /dev/video0: permission denied"), core.ErrCodePermissionDenied},
		{"access denied", errors.New("CoInitialize: access denied"), core.ErrCodePermissionDenied},
		{"no driver", errors.New("failed to find the best driver that fits the constraints"), core.ErrCodeNoDeviceFound},
		{"missing device", errors.New("open /dev/video7: no such device"), core.ErrCodeNoDeviceFound},
		{"busy", errors.New("device or resource busy"), core.ErrCodeDeviceBusy},
		{"in use", errors.New("capture source already in use by another process"), core.ErrCodeDeviceBusy},
		{"opaque", errors.New("v4l2: ioctl failed"), core.ErrCodeMediaError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if code := core.ErrorCode(got); code != tt.code {
				t.Errorf("Classify(%q) code = %q, want %q", tt.err, code, tt.code)
			}
			if !errors.Is(got, tt.err) {
				t.Errorf("classified error should wrap the original")
			}
		})
	}
}

func TestClassifyNil(t *testing.T) {
	if got := Classify(nil); got != nil {
		t.Fatalf("Classify(nil) = %v, want nil", got)
	}
}
