package orchestrator

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/stellarlinkco/aicore/internal/bus"
	"github.com/stellarlinkco/aicore/internal/config"
	"github.com/stellarlinkco/aicore/internal/llm"
	"github.com/stellarlinkco/aicore/internal/session"
	"github.com/stellarlinkco/aicore/internal/tag"
)

// pollInterval adapts to the size of the latest chunk: short chunks mean a
// slow stream, so polling backs off to smooth bursty small updates.
func pollInterval(chunkLen int) time.Duration {
	switch {
	case chunkLen <= 8:
		return 1500 * time.Millisecond
	case chunkLen <= 20:
		return 1000 * time.Millisecond
	case chunkLen <= 30:
		return 500 * time.Millisecond
	default:
		return 200 * time.Millisecond
	}
}

// ChatStream runs one streaming cycle. Starting it cancels any stream the
// session already had; every poll checks the captured generation id, so a
// superseded loop discards its results silently.
func (o *Orchestrator) ChatStream(ctx context.Context, sess *session.Session, reason string) {
	if reason != ReasonCallback {
		if sess.Bucket != nil && !sess.Bucket.Take() {
			log.Printf("[orchestrator] %s: rate limited, skipping stream (%s)", sess.ID, reason)
			return
		}
		sess.Lock()
		sess.ResetToolCalls()
		sess.Unlock()
	}

	o.StopCurrentStream(ctx, sess)

	req := o.buildRequest(ctx, sess, "")
	id, err := o.client.StartStream(ctx, req)
	if err != nil {
		log.Printf("[orchestrator] %s: start stream failed: %v", sess.ID, err)
		return
	}
	sess.Lock()
	sess.BeginStream(id)
	sess.Unlock()

	o.pollLoop(ctx, sess, id)
}

func (o *Orchestrator) pollLoop(ctx context.Context, sess *session.Session, id string) {
	cursor := 0
	emitted := 0
	var visible strings.Builder

	for {
		poll, err := o.client.PollStream(ctx, id, cursor)
		if err != nil {
			log.Printf("[orchestrator] %s: poll failed: %v", sess.ID, err)
			return
		}

		sess.Lock()
		alive := sess.StreamAlive(id)
		toolOpen := sess.ToolTagOpen()
		sess.Unlock()
		if !alive {
			return
		}
		cursor = poll.NextCursor

		if poll.Chunk != "" {
			if o.cfg.ToolMode == config.ToolModePrompt {
				done := o.watchToolTag(ctx, sess, id, poll.Chunk, toolOpen, &visible)
				if done {
					return
				}
			} else {
				visible.WriteString(poll.Chunk)
				emitted += o.flushParagraphs(sess, visible.String()[emitted:])
			}
		}

		if poll.Status != llm.StatusProcessing {
			o.finishStream(ctx, sess, id, poll.Status, visible.String(), emitted)
			return
		}
		o.sleep(pollInterval(len([]rune(poll.Chunk))))
	}
}

// flushParagraphs sends the completed paragraphs of the pending stream
// text and reports how many bytes went out. The trailing partial
// paragraph stays pending until more chunks arrive.
func (o *Orchestrator) flushParagraphs(sess *session.Session, pending string) int {
	idx := strings.LastIndex(pending, "\n\n")
	if idx < 0 {
		return 0
	}
	segment := pending[:idx+2]
	if display := strings.TrimSpace(tag.PlainText(segment)); display != "" {
		o.emit(bus.OutboundMessage{Channel: sess.Channel, ChatID: sess.ChatID, Content: display})
	}
	return len(segment)
}

// watchToolTag feeds one chunk through the prompt-mode tag watcher. Text
// before an opening tag is flushed as a normal reply; everything after is
// buffered until the closing tag, which stops the stream and dispatches the
// call. Returns true when this loop is finished.
func (o *Orchestrator) watchToolTag(ctx context.Context, sess *session.Session, id, chunk string, toolOpen bool, visible *strings.Builder) bool {
	sess.Lock()
	buf := sess.StreamBuffer()
	buf.WriteString(chunk)
	text := buf.String()

	if !toolOpen {
		idx, found := tag.HasToolBlock(text)
		if !found {
			// Hold back the tail only when it could be a partial opening tag.
			keep := len(text)
			if cut := strings.LastIndexByte(text, '<'); cut >= 0 && strings.HasPrefix(tag.ToolOpenTag, text[cut:]) {
				keep = cut
			}
			visible.WriteString(text[:keep])
			buf.Reset()
			buf.WriteString(text[keep:])
			sess.Unlock()
			return false
		}
		if idx > 0 {
			visible.WriteString(text[:idx])
			text = text[idx:]
			buf.Reset()
			buf.WriteString(text)
		}
		sess.SetToolTagOpen(true)
		if flushed := strings.TrimSpace(visible.String()); flushed != "" {
			sess.Unlock()
			o.reply(sess, flushed)
			visible.Reset()
			sess.Lock()
		}
	}

	if !strings.Contains(text, tag.ToolCloseTag) {
		sess.Unlock()
		return false
	}
	sess.Unlock()

	// Complete block: stop this stream and hand over to the tag dispatcher.
	sess.Lock()
	sess.SetToolTagOpen(false)
	stopped := sess.StopStream()
	sess.Unlock()
	if stopped != id {
		// A newer stream took over while we were buffering.
		return true
	}
	o.client.EndStream(ctx, id)

	handled := o.handleTaggedTool(ctx, sess, text, func() {
		o.ChatStream(ctx, sess, ReasonCallback)
	})
	if !handled {
		log.Printf("[orchestrator] %s: tool tag watcher saw no parsable block", sess.ID)
	}
	return true
}

// finishStream ends a normally terminated stream, sends whatever part of
// the text has not gone out yet and records the full reply once.
func (o *Orchestrator) finishStream(ctx context.Context, sess *session.Session, id, status, text string, emitted int) {
	o.client.EndStream(ctx, id)
	sess.Lock()
	// A held-back tail that never became a tool tag still belongs to the
	// reply. An open tag block stays behind; EndStream logs it.
	if o.cfg.ToolMode == config.ToolModePrompt && !sess.ToolTagOpen() {
		text += sess.StreamBuffer().String()
	}
	sess.EndStream(id)
	sess.Unlock()

	if status == llm.StatusFailed {
		log.Printf("[orchestrator] %s: stream %s failed", sess.ID, id)
	}
	if strings.TrimSpace(text) == "" {
		return
	}
	content := o.retryOnRepeatStream(sess, text)
	if strings.TrimSpace(content) == "" {
		return
	}

	if emitted == 0 {
		o.reply(sess, content)
		o.persist(sess)
		return
	}

	// Earlier paragraphs already went out mid-stream; send only the tail
	// but keep the whole reply as one assistant message.
	if emitted > len(content) {
		emitted = len(content)
	}
	if tail := strings.TrimSpace(tag.PlainText(content[emitted:])); tail != "" {
		o.emit(bus.OutboundMessage{Channel: sess.Channel, ChatID: sess.ChatID, Content: tail})
	}
	sess.Lock()
	sess.Context.AppendRaw(session.Message{
		Role:       session.RoleAssistant,
		SenderID:   o.agentUID,
		SenderName: o.agentName,
		Content:    content,
	})
	sess.Unlock()
	o.persist(sess)
}

// retryOnRepeatStream applies repeat detection to a streamed reply. There is
// no cheap way to re-run a stream, so a detected repeat purges the trailing
// assistant block and the text goes out once.
func (o *Orchestrator) retryOnRepeatStream(sess *session.Session, candidate string) string {
	sess.Lock()
	defer sess.Unlock()
	last := sess.Context.LastAssistantText()
	if candidate == "" || last == "" || textSimilarity(candidate, last) < o.cfg.RepeatThreshold {
		return candidate
	}
	dropped := sess.Context.DropTrailingAssistant()
	log.Printf("[orchestrator] %s: streamed repeat detected, purged %d trailing messages", sess.ID, dropped)
	return candidate
}

// StopCurrentStream clears the session's stream handle and ends the backend
// stream if one was active.
func (o *Orchestrator) StopCurrentStream(ctx context.Context, sess *session.Session) {
	sess.Lock()
	id := sess.StopStream()
	sess.Unlock()
	if id == "" {
		return
	}
	if err := o.client.EndStream(ctx, id); err != nil {
		log.Printf("[orchestrator] %s: end stream %s: %v", sess.ID, id, err)
	}
}
