package std

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/cortantse/lumina/pkg/provider/llm"
)

// agentSystemPrompt steers the stateful event classifier. The model sees the
// recent dialogue annotated with the state/event pair recorded for each user
// turn and answers with one JSON event that drives the state machine.
const agentSystemPrompt = `你是状态事件识别模块。根据当前状态、历史对话和状态序列，判断是否应触发下列状态事件之一，并输出 JSON 结果用于驱动状态机转移。

【事件及其语义】
- TRIGGER_DIALOGUE：用户希望与系统轮流问答（"一问一答""你继续说""现在轮到你了"），或对话已进入你一句我一句的轮次结构。
- TRIGGER_SILENCE：用户希望系统仅聆听，不打断（"你听我说完""别插话"），或用户正在持续讲话（叙事、演讲、表达情绪）。
- TRIGGER_ANSWER_ONCE：用户希望系统只回答一次，常见于长段表达中临时提问（"你怎么看""给个答复"）。回答一次后系统回到静默。
- TRIGGER_PROACTIVE：系统应主动发言（用户长时间沉默、让系统解释/概括/展开，"你来讲讲""说说你的看法"）。
- NO_EVENT：不满足任何触发条件，保持原状态。对话进行中、无切换信号时选择它。

【各状态下允许的事件】
- DialogueState：TRIGGER_SILENCE、TRIGGER_PROACTIVE、TRIGGER_DIALOGUE（自环）
- SilenceState：TRIGGER_DIALOGUE、TRIGGER_ANSWER_ONCE、TRIGGER_PROACTIVE、TRIGGER_SILENCE（自环）
- AnswerOnceState：必须返回 {"event": "NO_EVENT"}，回答完成后状态机自动跳回 SilenceState
- ProactiveState：TRIGGER_DIALOGUE、TRIGGER_SILENCE、TRIGGER_PROACTIVE（自环）

【判断原则】
- 优先根据用户明确表达判断；无明显切换意图、上下文连续时返回 NO_EVENT。
- 大部分情况下应输出 NO_EVENT。

【输出要求】
严格输出 {"event": "..."}，值为 TRIGGER_DIALOGUE、TRIGGER_SILENCE、TRIGGER_ANSWER_ONCE、TRIGGER_PROACTIVE、NO_EVENT 之一。严禁输出其他文本。`

// emotionTagPattern strips reply emotion markers before they reach the
// classifier context.
var emotionTagPattern = regexp.MustCompile(`\[(NEUTRAL|HAPPY|SAD|ANGRY|FEARFUL|DISGUSTED|SURPRISED)\]`)

// agentRound is one user turn with the state/event recorded for it, plus the
// assistant replies that followed.
type agentRound struct {
	userText  string
	state     string
	event     string
	assistant []string
}

// Agent classifies each transcript into a state-machine event and applies it.
type Agent struct {
	provider llm.Provider
	machine  *Machine
	depth    int

	mu     sync.Mutex
	rounds []agentRound
}

// NewAgent creates an Agent driving machine with the given classifier model.
// depth bounds how many annotated rounds the prompt carries.
func NewAgent(provider llm.Provider, machine *Machine, depth int) *Agent {
	if depth <= 0 {
		depth = 7
	}
	return &Agent{provider: provider, machine: machine, depth: depth}
}

// Machine exposes the underlying state machine.
func (a *Agent) Machine() *Machine { return a.machine }

// RecordAssistantReply appends reply text to the latest round's context.
func (a *Agent) RecordAssistantReply(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.rounds) == 0 {
		return
	}
	cleaned := strings.TrimSpace(emotionTagPattern.ReplaceAllString(text, ""))
	if cleaned == "" {
		return
	}
	last := &a.rounds[len(a.rounds)-1]
	last.assistant = append(last.assistant, cleaned)
}

// CompleteResponse reports that a one-shot reply finished, returning the
// machine from AnswerOnce to Silence. A no-op in every other state.
func (a *Agent) CompleteResponse() {
	if a.machine.State() == StateAnswerOnce {
		a.machine.OnEvent(EventResponseComplete)
	}
}

// Reset clears the round history and returns the machine to Dialogue.
func (a *Agent) Reset() {
	a.mu.Lock()
	a.rounds = nil
	a.mu.Unlock()
	a.machine.Reset()
}

// UpdateState classifies transcript into an event, applies it, and returns
// the resulting state. Classification errors keep the current state — a
// classifier hiccup must never wedge the conversation.
func (a *Agent) UpdateState(ctx context.Context, transcript string) State {
	prompt := a.buildPrompt(transcript)

	resp, err := a.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: agentSystemPrompt,
		Messages:     []llm.Message{{Role: "user", Content: prompt}},
		Temperature:  0.2,
		MaxTokens:    32,
	})

	event := EventNone
	if err != nil {
		slog.Warn("state classifier request failed, keeping state", "err", err)
	} else {
		var ok bool
		event, ok = parseEventJSON(resp.Content)
		if !ok {
			slog.Warn("state classifier output unparseable, treating as NO_EVENT", "output", resp.Content)
		}
	}

	state := a.machine.OnEvent(event)
	a.record(transcript, state, event)
	return state
}

// record appends the judged round for future prompts, bounded by depth.
func (a *Agent) record(transcript string, state State, event Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rounds = append(a.rounds, agentRound{
		userText: transcript,
		state:    state.String(),
		event:    event.String(),
	})
	if len(a.rounds) > a.depth {
		a.rounds = a.rounds[len(a.rounds)-a.depth:]
	}
}

// buildPrompt renders the annotated round history plus the pending
// transcript. Each past user turn is followed on its own lines by the state
// the machine was in and the event that was triggered.
func (a *Agent) buildPrompt(transcript string) string {
	a.mu.Lock()
	rounds := make([]agentRound, len(a.rounds))
	copy(rounds, a.rounds)
	a.mu.Unlock()

	feedback := a.machine.Feedback()

	var sb strings.Builder
	if len(feedback) > 0 {
		sb.WriteString("【状态转换反馈】\n")
		for _, f := range feedback {
			sb.WriteString(f)
			sb.WriteByte('\n')
		}
		sb.WriteByte('\n')
	}

	fmt.Fprintf(&sb, "CurrentState: %q\nHistoryStatesAndDialogue:\n", a.machine.State())
	for _, r := range rounds {
		fmt.Fprintf(&sb, "用户说: %s\n【系统状态】: %s\n【触发事件】: %s\n-----\n", r.userText, r.state, r.event)
		for _, reply := range r.assistant {
			fmt.Fprintf(&sb, "助手说: %s\n", reply)
		}
	}
	fmt.Fprintf(&sb, "用户说: %s\n\n请判断该触发的事件并仅输出 JSON。", transcript)
	return sb.String()
}

// parseEventJSON extracts the event from the classifier output, tolerating
// markdown fences and surrounding prose.
func parseEventJSON(raw string) (Event, bool) {
	text := strings.TrimSpace(raw)

	if i := strings.Index(text, "```"); i >= 0 {
		text = text[i+3:]
		text = strings.TrimPrefix(text, "json")
		if j := strings.Index(text, "```"); j >= 0 {
			text = text[:j]
		}
	}
	if start := strings.IndexByte(text, '{'); start >= 0 {
		if end := strings.LastIndexByte(text, '}'); end > start {
			text = text[start : end+1]
		}
	}

	var payload struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return EventNone, false
	}
	return EventFromString(strings.ToUpper(strings.TrimSpace(payload.Event)))
}
