// Package notify holds the thin per-feature producers over the channel
// broadcast managers. They shape feature payloads into envelopes; all
// fan-out mechanics live in the managers.
package notify

import (
	"context"

	"github.com/Tundrag/audio-streaming-app1-sub000/internal/broadcast"
)

// Channel names, each mapped 1:1 to one broker topic and one manager.
const (
	ChannelBroadcasts = "broadcasts"
	ChannelTTSStatus  = "tts-status"
	ChannelForum      = "forum"
)

// Sender is the slice of the broadcast manager the facades use.
type Sender interface {
	Broadcast(ctx context.Context, env broadcast.Envelope, targets ...string)
	SendToUser(ctx context.Context, identity string, env broadcast.Envelope)
}

// Announcer pushes site-wide broadcast announcements.
type Announcer struct {
	sender Sender
}

func NewAnnouncer(sender Sender) *Announcer {
	return &Announcer{sender: sender}
}

// AnnounceBroadcast pushes a new announcement to every connected client.
func (a *Announcer) AnnounceBroadcast(ctx context.Context, message string) {
	a.sender.Broadcast(ctx, broadcast.NewEnvelope("new_broadcast", map[string]any{
		"message": message,
	}))
}

// TTSNotifier pushes generation-progress updates to the job's owner.
type TTSNotifier struct {
	sender Sender
}

func NewTTSNotifier(sender Sender) *TTSNotifier {
	return &TTSNotifier{sender: sender}
}

func (n *TTSNotifier) JobQueued(ctx context.Context, identity, jobID string, position int) {
	n.sender.SendToUser(ctx, identity, broadcast.NewEnvelope("tts_status", map[string]any{
		"job_id":   jobID,
		"status":   "queued",
		"position": position,
	}))
}

func (n *TTSNotifier) JobProgress(ctx context.Context, identity, jobID string, percent int) {
	n.sender.SendToUser(ctx, identity, broadcast.NewEnvelope("tts_status", map[string]any{
		"job_id":  jobID,
		"status":  "processing",
		"percent": percent,
	}))
}

func (n *TTSNotifier) JobComplete(ctx context.Context, identity, jobID, resultURL string) {
	n.sender.SendToUser(ctx, identity, broadcast.NewEnvelope("tts_status", map[string]any{
		"job_id":     jobID,
		"status":     "complete",
		"result_url": resultURL,
	}))
}

func (n *TTSNotifier) JobFailed(ctx context.Context, identity, jobID, reason string) {
	n.sender.SendToUser(ctx, identity, broadcast.NewEnvelope("tts_status", map[string]any{
		"job_id": jobID,
		"status": "failed",
		"reason": reason,
	}))
}

// ForumNotifier pushes forum and comment notices to the affected user.
type ForumNotifier struct {
	sender Sender
}

func NewForumNotifier(sender Sender) *ForumNotifier {
	return &ForumNotifier{sender: sender}
}

func (n *ForumNotifier) ReplyPosted(ctx context.Context, recipient, threadID, author string) {
	n.sender.SendToUser(ctx, recipient, broadcast.NewEnvelope("forum_reply", map[string]any{
		"thread_id": threadID,
		"author":    author,
	}))
}

func (n *ForumNotifier) MentionPosted(ctx context.Context, recipient, threadID, author string) {
	n.sender.SendToUser(ctx, recipient, broadcast.NewEnvelope("forum_mention", map[string]any{
		"thread_id": threadID,
		"author":    author,
	}))
}
