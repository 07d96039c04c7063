package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		text string
		want ErrorClass
	}{
		{"[tcp @ 0x55] Connection to tcp://10.0.0.5:554?timeout=0 failed: Connection refused", ClassConnection},
		{"rtsp://cam/stream: Connection timed out", ClassConnection},
		{"rtsp://cam/stream: Invalid data found when processing input", ClassProtocol},
		{"foo://bar: Protocol not found", ClassProtocol},
		{"/readonly/out/cam.m3u8: No such file or directory", ClassFileAccess},
		{"[rtsp @ 0x1] method DESCRIBE failed: 401 Unauthorized", ClassAuth},
		{"[rtsp @ 0x1] method DESCRIBE failed: 404 Not Found", ClassNotFound},
		{"Input #0, rtsp, from 'rtsp://cam/stream':", ClassNone},
		{"", ClassNone},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.text), tt.text)
	}
}

func TestClassify_AuthPrecedesProtocol(t *testing.T) {
	text := "method DESCRIBE failed: 401 Unauthorized\nrtsp://cam: Invalid data found when processing input"
	assert.Equal(t, ClassAuth, Classify(text))

	text = "method DESCRIBE failed: 404 Not Found\nrtsp://cam: Invalid data found when processing input"
	assert.Equal(t, ClassNotFound, Classify(text))
}

func TestIsStartupMarker(t *testing.T) {
	assert.True(t, IsStartupMarker("Stream mapping:"))
	assert.True(t, IsStartupMarker("[hls @ 0x1] Opening '/out/cam0.ts' for writing"))
	assert.True(t, IsStartupMarker("Press [q] to stop, [?] for help"))
	assert.False(t, IsStartupMarker("Connection refused"))
}

func TestGuidance(t *testing.T) {
	for _, c := range []ErrorClass{ClassConnection, ClassProtocol, ClassFileAccess, ClassAuth, ClassNotFound, ClassRuntimeFailure, ClassUnknown} {
		assert.NotEmpty(t, Guidance(c), c)
	}
	assert.Empty(t, Guidance(ClassNone))
}
