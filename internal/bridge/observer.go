package bridge

import "github.com/sebas/voicegate/internal/realtime"

// Observer receives the model-side events of a live call so they can be
// fanned out beyond the RTP leg (browser listeners). SessionOpened hands
// over the live session client so the observer's owner can inject audio
// and interrupts into the same connection; the ephemeral client secret
// is single-use, so this connection is the only one the call gets.
type Observer interface {
	SessionOpened(client SessionClient)
	AudioDelta(responseID string, pcm []byte)
	AudioEnd(responseID string)
	AudioInterrupted(responseID string)
	TranscriptCompleted(responseID string, entries []realtime.TranscriptEntry)
	SessionError(message string)
	SessionClosed()
}

// NopObserver is the default no-op implementation.
type NopObserver struct{}

func (NopObserver) SessionOpened(client SessionClient)                                        {}
func (NopObserver) AudioDelta(responseID string, pcm []byte)                                  {}
func (NopObserver) AudioEnd(responseID string)                                                {}
func (NopObserver) AudioInterrupted(responseID string)                                        {}
func (NopObserver) TranscriptCompleted(responseID string, entries []realtime.TranscriptEntry) {}
func (NopObserver) SessionError(message string)                                               {}
func (NopObserver) SessionClosed()                                                            {}
