package std

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cortantse/lumina/pkg/provider/llm"
)

// judgeSystemPrompt steers the dialogue turn judge. The model sees its own
// recent judgements with observed outcomes and answers with a single integer:
// the recommended cooldown in milliseconds before the assistant may speak.
const judgeSystemPrompt = `你是一个语义完整性判断助手，负责预测用户何时说完一句话，轮到助手回答。你的任务是根据当前对话内容和历史判断结果，预测用户此轮是否已经说完话，并返回建议的等待时间（毫秒）。

【关键概念】
- 冷却期：系统在用户停止说话后等待的时长，在此期间不发言，避免打断用户
- 实际插话时间：用户真实再次开口的时间点
- 历史记录中标注"打断了用户"表示冷却期过短，"等待过于保守"表示冷却期过长

【等待时间参考值】
- 50-100ms：非常确信用户已说完话（明确问题、指令语句）
- 100-200ms：比较确信用户已说完话（普通陈述句末）
- 200-350ms：一般确信用户已说完话（稍有犹豫但语义完整）
- 350-500ms：不太确信用户是否说完话（可能继续但暂停）
- 500-800ms：非常不确定用户是否说完话（中断的句子）

【输出要求】
- 仅输出一个整数，表示建议等待的毫秒数
- 在0-800之间选择
- 根据语义完整度和历史反馈动态调整：被标注打断则增加等待，被标注保守则减少等待`

// WaitTiers are the confidence-tier cooldowns the judge output is clamped
// and defaulted against.
type WaitTiers struct {
	Short  time.Duration // very-high confidence
	Mid    time.Duration // high confidence; also the parse-failure default
	Long   time.Duration // medium confidence
	Longer time.Duration // low confidence
	Extra  time.Duration // very-low confidence; upper clamp
}

// DefaultWaitTiers mirrors the calibrated defaults.
func DefaultWaitTiers() WaitTiers {
	return WaitTiers{
		Short:  50 * time.Millisecond,
		Mid:    150 * time.Millisecond,
		Long:   350 * time.Millisecond,
		Longer: 500 * time.Millisecond,
		Extra:  800 * time.Millisecond,
	}
}

// Judge is the dialogue-mode timeout classifier.
type Judge struct {
	provider llm.Provider
	history  *JudgeHistory
	tiers    WaitTiers
}

// NewJudge creates a Judge backed by the given fast model.
func NewJudge(provider llm.Provider, history *JudgeHistory, tiers WaitTiers) *Judge {
	if tiers == (WaitTiers{}) {
		tiers = DefaultWaitTiers()
	}
	return &Judge{provider: provider, history: history, tiers: tiers}
}

// Classify predicts the cooldown for transcript and appends the judgement to
// the history ring. Classification never fails: parse failures and provider
// errors fall back to the mid-tier wait — a judge hiccup must not mute the
// assistant.
func (j *Judge) Classify(ctx context.Context, transcript string) time.Duration {
	msgs := j.history.PromptMessages(false)
	msgs = append(msgs, llm.Message{Role: "user", Content: "用户说: " + transcript})

	wait := j.tiers.Mid
	resp, err := j.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: judgeSystemPrompt,
		Messages:     msgs,
		Temperature:  0.3,
		MaxTokens:    16,
	})
	if err != nil {
		slog.Warn("turn judge request failed, using default wait", "err", err, "default_ms", wait.Milliseconds())
	} else if ms, ok := firstInt(resp.Content); ok {
		wait = j.clamp(time.Duration(ms) * time.Millisecond)
	} else {
		slog.Warn("turn judge output unparseable, using default wait", "output", resp.Content)
	}

	j.history.Add(transcript, wait)
	slog.Debug("turn judge", "transcript", transcript, "wait_ms", wait.Milliseconds())
	return wait
}

// clamp bounds a predicted wait to [0, Extra].
func (j *Judge) clamp(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if d > j.tiers.Extra {
		return j.tiers.Extra
	}
	return d
}

// firstInt extracts the first integer token from s. Parsing is permissive:
// the model is asked for a bare integer but occasionally wraps it in prose.
func firstInt(s string) (int, bool) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r < '0' || r > '9'
	})
	for _, f := range fields {
		if n, err := strconv.Atoi(f); err == nil {
			return n, true
		}
	}
	return 0, false
}
