package pubsub

import (
	"fmt"
	"strings"
)

// ChannelStreamLifecycle carries publish start/end events for one stream key.
const ChannelStreamLifecycle = "stream:%s:lifecycle"

// StreamLifecycleChannel returns the lifecycle channel for a stream key.
func StreamLifecycleChannel(streamKey string) string {
	return fmt.Sprintf(ChannelStreamLifecycle, streamKey)
}

// channelToTopicAndKey converts a Redis-style channel to a Kafka topic and message key.
//
//	"stream:nf_1710000000_abcdefgh:lifecycle" → topic: "stream-lifecycle", key: "nf_1710000000_abcdefgh"
func channelToTopicAndKey(channel string) (topic, key string, err error) {
	// Expected format: {prefix}:{key}:{kind}
	parts := strings.Split(channel, ":")
	if len(parts) != 3 || parts[1] == "" {
		return "", "", fmt.Errorf("invalid channel format %q", channel)
	}
	return parts[0] + "-" + strings.ReplaceAll(parts[2], "_", "-"), parts[1], nil
}
