package main

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
)

func TestICEStateDegraded(t *testing.T) {
	assert.True(t, iceStateDegraded(webrtc.ICEConnectionStateDisconnected))
	assert.True(t, iceStateDegraded(webrtc.ICEConnectionStateChecking))

	assert.False(t, iceStateDegraded(webrtc.ICEConnectionStateConnected))
	assert.False(t, iceStateDegraded(webrtc.ICEConnectionStateCompleted))
	assert.False(t, iceStateDegraded(webrtc.ICEConnectionStateFailed))
	assert.False(t, iceStateDegraded(webrtc.ICEConnectionStateNew))
}
