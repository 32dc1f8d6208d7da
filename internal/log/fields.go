// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID  = "request_id"
	FieldBatchID    = "batch_id"
	FieldChannelID  = "channel_id"
	FieldStreamID   = "stream_id"
	FieldProviderID = "provider_id"
	FieldProfileID  = "profile_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldAction    = "action"
	FieldReason    = "reason"

	// Media / probe fields
	FieldCodec      = "codec"
	FieldResolution = "resolution"
	FieldFPS        = "fps"
	FieldBitrate    = "bitrate_kbps"
	FieldScore      = "score"
	FieldURL        = "url"

	// Path fields
	FieldPath = "path"
)
