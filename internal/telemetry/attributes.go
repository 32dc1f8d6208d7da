// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared across spans so traces stay queryable.
const (
	ChannelIDKey    = "channel.id"
	ChannelNameKey  = "channel.name"
	StreamIDKey     = "stream.id"
	ProviderIDKey   = "provider.id"
	ProfileIDKey    = "profile.id"
	ProbeOutcomeKey = "probe.outcome"
	ProbeScoreKey   = "probe.score"
	BatchIDKey      = "batch.id"
	ActionKey       = "automation.action"
	ErrorTypeKey    = "error.type"
)

// ChannelAttributes tags a span with the channel being checked.
func ChannelAttributes(id int, name string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.Int(ChannelIDKey, id)}
	if name != "" {
		attrs = append(attrs, attribute.String(ChannelNameKey, name))
	}
	return attrs
}

// ProbeAttributes tags a span with one probe's identity and outcome.
func ProbeAttributes(streamID, providerID, profileID int, outcome string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.Int(StreamIDKey, streamID),
		attribute.String(ProbeOutcomeKey, outcome),
	}
	if providerID != 0 {
		attrs = append(attrs, attribute.Int(ProviderIDKey, providerID))
	}
	if profileID != 0 {
		attrs = append(attrs, attribute.Int(ProfileIDKey, profileID))
	}
	return attrs
}

// ActionAttributes tags a span with the automation action it belongs to.
func ActionAttributes(action, batchID string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String(ActionKey, action)}
	if batchID != "" {
		attrs = append(attrs, attribute.String(BatchIDKey, batchID))
	}
	return attrs
}

// ErrorAttributes marks a span as failed with a coarse error class.
func ErrorAttributes(errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool("error", true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
