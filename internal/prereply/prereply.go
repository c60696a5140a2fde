// Package prereply generates the short filler utterance spoken while the
// main reply is still being generated. The filler masks main-model latency;
// it must be brief, conversational, and commit to nothing.
package prereply

import (
	"context"
	"log/slog"
	"strings"

	"github.com/cortantse/lumina/internal/dialog"
	"github.com/cortantse/lumina/internal/turnbuffer"
	"github.com/cortantse/lumina/pkg/provider/llm"
	"github.com/cortantse/lumina/pkg/provider/tts"
)

// systemPrompt forces the "[EMOTION]\n<2–7 characters>" output contract.
const systemPrompt = `你是实时对话系统的"预回复"子模型。在用户刚停顿时，你要快速生成一句 2–7 字的承接短语，用来填补主模型思考延迟。

=== 输出格式 ===
1. 首行为情绪标签：[NEUTRAL]、[HAPPY]、[SAD]、[ANGRY]、[FEARFUL]、[DISGUSTED]、[SURPRISED]
2. 第二行为一句承接短语，以逗号"，"或冒号"："结尾，长度不超过 7 字。
3. 严禁输出与聊天内容无关的词。

=== 生成约束 ===
1. 连贯：与后续主回复不冲突，方便自然过渡。
2. 多样：避免模板化。前缀可参考：嗯、是的、确实、听起来、好的、让我想想、有意思。
3. 长度：2–7 字，仅一个情绪标签。

=== 示例 ===
用户转写："我有点累……"
输出：
[SAD]
听起来你很累,

用户转写："请介绍一下你的功能"
输出：
[HAPPY]
很好,`

// Generator produces fillers with a low-latency model.
type Generator struct {
	provider llm.Provider
	history  *dialog.History
	rounds   int
}

// NewGenerator creates a Generator. rounds bounds how many history rounds
// feed the prompt.
func NewGenerator(provider llm.Provider, history *dialog.History, rounds int) *Generator {
	if rounds <= 0 {
		rounds = 6
	}
	return &Generator{provider: provider, history: history, rounds: rounds}
}

// Generate produces a filler for the buffered turns and stores it on the
// buffer tagged with the turn count it was computed against. It returns the
// normalised "[EMOTION]\ntext" filler, or "" when generation failed — a
// missing filler only costs latency masking, never the reply.
func (g *Generator) Generate(ctx context.Context, buffer *turnbuffer.Buffer) string {
	turns := buffer.Turns()
	if len(turns) == 0 {
		return ""
	}

	msgs := g.history.Format(dialog.FormatOptions{
		PreReplyView: true,
		MaxRounds:    g.rounds * 2,
	})[1:] // the generator has its own system prompt

	var current string
	if len(turns) == 1 {
		current = turns[0].Transcript
	} else {
		parts := make([]string, len(turns))
		for i, t := range turns {
			parts[i] = t.Transcript
		}
		current = strings.Join(parts, "\n---\n")
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: "用户转写：" + current})

	resp, err := g.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		Messages:     msgs,
		Temperature:  0.8,
		MaxTokens:    32,
	})
	if err != nil {
		slog.Warn("pre-reply generation failed", "err", err)
		return ""
	}

	filler := Normalize(resp.Content)
	if filler == "" {
		slog.Warn("pre-reply output unusable", "output", resp.Content)
		return ""
	}

	buffer.SetPreReply(filler, len(turns))
	return filler
}

// Normalize coerces model output into the "[EMOTION]\ntext" contract: a
// missing marker becomes NEUTRAL, an unknown marker is replaced, and an
// output with a marker but no text is rejected.
func Normalize(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}

	emotion := tts.EmotionNeutral
	text := trimmed
	if strings.HasPrefix(trimmed, "[") {
		if end := strings.IndexByte(trimmed, ']'); end > 0 {
			if e, ok := tts.ParseEmotion(trimmed[1:end]); ok {
				emotion = e
			}
			text = strings.TrimSpace(trimmed[end+1:])
		}
	}
	// Collapse to the first non-empty line.
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			text = line
			break
		}
	}
	if text == "" || strings.HasPrefix(text, "[") {
		return ""
	}
	return "[" + string(emotion) + "]\n" + text
}
