package runtime

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sebas/voicegate/internal/media"
	"github.com/sebas/voicegate/internal/realtime"
	"github.com/sebas/voicegate/internal/sdp"
	"github.com/sebas/voicegate/internal/signaling"
	"github.com/sebas/voicegate/internal/workflow"
)

// CallSession is the runtime state of one admitted call.
type CallSession struct {
	CallID    string
	SessionID string
	ThreadID  string

	Dialog   *signaling.Dialog
	Endpoint *media.Endpoint
	Context  *workflow.CallContext

	selectedCodec sdp.SelectedCodec
	driver        *callDriver
	rtpPort       int
	pooledPort  bool
	voiceActive atomic.Bool
	releaseOnce sync.Once

	runtime *Runtime
}

// VoiceActive reports whether the bridge currently owns this call.
func (c *CallSession) VoiceActive() bool {
	return c.voiceActive.Load()
}

// releaseMedia stops the endpoint and returns the pooled port. Safe to
// call more than once.
func (c *CallSession) releaseMedia() {
	c.releaseOnce.Do(func() {
		if c.Endpoint != nil {
			c.Endpoint.Stop()
		}
		if c.pooledPort && c.runtime.portPool != nil {
			c.runtime.portPool.Release(c.rtpPort)
		}
	})
}

// callHooks is the bridge teardown surface for one call.
type callHooks struct {
	call *CallSession
}

// CloseDialog hangs up the SIP leg. Hanging up twice is a no-op.
func (h callHooks) CloseDialog() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.call.Dialog.Hangup(ctx)
}

// ClearVoiceState stops the RTP endpoint and returns its pooled port.
func (h callHooks) ClearVoiceState() {
	h.call.voiceActive.Store(false)
	h.call.releaseMedia()
}

// ResumeWorkflow persists the transcripts so the chat UI can pick the
// thread back up.
func (h callHooks) ResumeWorkflow(transcripts []realtime.TranscriptEntry) {
	call := h.call
	if call.ThreadID == "" || call.runtime.threads == nil {
		slog.Info("[Invite] Workflow resume not configured",
			"call_id", call.CallID, "transcripts", len(transcripts))
		return
	}
	if err := call.runtime.threads.SaveItem(call.ThreadID, transcriptItem(transcripts), call.runtime.storeContext(call)); err != nil {
		slog.Error("[Invite] Workflow resume failed",
			"call_id", call.CallID, "thread_id", call.ThreadID, "error", err)
		return
	}
	slog.Info("[Invite] Workflow resumed",
		"call_id", call.CallID, "thread_id", call.ThreadID, "transcripts", len(transcripts))
}

func transcriptItem(transcripts []realtime.TranscriptEntry) map[string]any {
	entries := make([]map[string]any, 0, len(transcripts))
	var userTexts []string
	for _, t := range transcripts {
		entries = append(entries, map[string]any{"role": t.Role, "text": t.Text})
		if t.Role == "user" && t.Text != "" {
			userTexts = append(userTexts, t.Text)
		}
	}
	item := map[string]any{
		"type":        "user_message",
		"metadata":    map[string]any{"source": "sip", "transcripts": entries},
		"transcripts": entries,
	}
	if len(userTexts) > 0 {
		item["text"] = strings.Join(userTexts, " ")
	}
	return item
}
