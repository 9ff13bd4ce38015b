package voice

import "context"

// SSRCs are the synchronization sources assigned to one participant
type SSRCs struct {
	Audio uint32 `json:"audio_ssrc"`
	Video uint32 `json:"video_ssrc"`
	RTX   uint32 `json:"rtx_ssrc"`
}

// Production is what a participant is currently sending
type Production struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

// Producing reports whether any stream is being sent
func (p Production) Producing() bool {
	return p.Audio || p.Video
}

// MediaForwarder is the SFU collaborator that terminates webrtc media. Implementations may run
// in-process or relay to a media server.
type MediaForwarder interface {
	// Join registers a participant in a room
	Join(ctx context.Context, roomKey, userID string) error
	// Offer negotiates a participant's SDP offer and returns the answer
	Offer(ctx context.Context, roomKey, userID, sdp string, codecs []Codec) (string, error)
	// PublishTrack announces the streams a participant produces
	PublishTrack(ctx context.Context, roomKey, userID string, ssrcs SSRCs, production Production) error
	// SubscribeToTrack makes consumer receive producer's streams
	SubscribeToTrack(ctx context.Context, roomKey, consumerID, producerID string) error
	// Leave removes a participant from a room
	Leave(ctx context.Context, roomKey, userID string) error
}
