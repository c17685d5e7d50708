package trace

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys used throughout the application
const (
	// Call attributes
	AttrSessionID = "session.id"
	AttrUserID    = "call.user_id"
	AttrTurn      = "call.turn"
	AttrReason    = "call.end_reason"
	AttrDuration  = "call.duration_seconds"

	// Audio attributes
	AttrAudioSampleRate = "audio.sample_rate"
	AttrAudioChannels   = "audio.channels"
	AttrAudioBitDepth   = "audio.bit_depth"
	AttrAudioDataSize   = "audio.data_size"

	// Connection attributes
	AttrConnectionID    = "connection.id"
	AttrConnectionType  = "connection.type"
	AttrConnectionState = "connection.state"

	// Playback attributes
	AttrPlaybackItemID = "playback.item_id"
	AttrQueueDepth     = "playback.queue_depth"
)

// SessionAttrs creates attributes for session information
func SessionAttrs(sessionID, userID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrSessionID, sessionID),
		attribute.String(AttrUserID, userID),
	}
}

// AudioAttrs creates attributes for audio data
func AudioAttrs(sampleRate, channels, bitDepth, dataSize int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(AttrAudioSampleRate, sampleRate),
		attribute.Int(AttrAudioChannels, channels),
		attribute.Int(AttrAudioBitDepth, bitDepth),
		attribute.Int(AttrAudioDataSize, dataSize),
	}
}

// ConnectionAttrs creates attributes for connection information
func ConnectionAttrs(connID, connType, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrConnectionID, connID),
		attribute.String(AttrConnectionType, connType),
		attribute.String(AttrConnectionState, state),
	}
}
