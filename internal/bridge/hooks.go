// Package bridge pumps media and events between one SIP call's RTP leg
// and its Realtime model session.
package bridge

import "github.com/sebas/voicegate/internal/realtime"

// Hooks are invoked, in order, when a bridge session tears down:
// CloseDialog hangs up the SIP leg, ClearVoiceState releases the media
// endpoint, ResumeWorkflow hands the transcripts to whatever persists or
// post-processes them; it is skipped when the call produced no
// transcripts. Teardown hooks never abort the teardown: panics
// and errors are logged and swallowed so resources always release.
type Hooks interface {
	CloseDialog()
	ClearVoiceState()
	ResumeWorkflow(transcripts []realtime.TranscriptEntry)
}

// NopHooks is the default no-op implementation. Embed it to override
// only the callbacks a caller cares about.
type NopHooks struct{}

func (NopHooks) CloseDialog()                                          {}
func (NopHooks) ClearVoiceState()                                      {}
func (NopHooks) ResumeWorkflow(transcripts []realtime.TranscriptEntry) {}
