package pipeline

import (
	"strings"
	"testing"
)

// feed pushes text rune by rune, simulating a token stream, and returns all
// emitted sentences plus the flush remainder.
func feed(t *testing.T, text string) (sentences []string, rest string) {
	t.Helper()
	s := NewSplitter()
	for _, r := range text {
		sentences = append(sentences, s.Push(string(r))...)
	}
	return sentences, s.Flush()
}

func TestSplitterTerminators(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want []string
	}{
		{"chinese full stops", "今天天气不错。明天呢？", []string{"今天天气不错。", "明天呢？"}},
		{"exclamations", "太好了！真的!", []string{"太好了！", "真的!"}},
		{"latin period with space", "Hello there. How are you?", []string{"Hello there.", " How are you?"}},
		{"cjk ellipsis", "我想想…好吧。", []string{"我想想…", "好吧。"}},
		{"triple dot ellipsis", "等一下...好了。", []string{"等一下...", "好了。"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, rest := feed(t, tc.in)
			if rest != "" {
				t.Fatalf("unflushed remainder %q", rest)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Errorf("sentence %d = %q, want %q", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestSplitterDecimalProtection(t *testing.T) {
	t.Parallel()

	got, rest := feed(t, "圆周率是 3.14, 对吗？")
	if rest != "" {
		t.Fatalf("unflushed remainder %q", rest)
	}
	if len(got) != 1 || got[0] != "圆周率是 3.14, 对吗？" {
		t.Fatalf("got %q, want one sentence ending at ？", got)
	}
}

func TestSplitterAbbreviation(t *testing.T) {
	t.Parallel()

	got, rest := feed(t, "见 e.g.test 一节。")
	joined := strings.Join(got, "") + rest
	if joined != "见 e.g.test 一节。" {
		t.Fatalf("round trip broken: %q", joined)
	}
	// The letter-bounded dots must not split.
	for _, s := range got {
		if s == "见 e." || s == "g." {
			t.Fatalf("abbreviation dot split the sentence: %q", got)
		}
	}
}

func TestSplitterFlushRemainder(t *testing.T) {
	t.Parallel()

	s := NewSplitter()
	if out := s.Push("没有结束符的内容"); out != nil {
		t.Fatalf("premature emission: %q", out)
	}
	if got := s.Flush(); got != "没有结束符的内容" {
		t.Fatalf("flush = %q", got)
	}
	if got := s.Flush(); got != "" {
		t.Fatalf("second flush = %q, want empty", got)
	}
}

func TestSplitterLongSentenceBreak(t *testing.T) {
	t.Parallel()

	// 120 runes, commas sprinkled after position 30, no terminator.
	head := strings.Repeat("字", 40) + "，" + strings.Repeat("词", 60) + "，" + strings.Repeat("句", 18)
	s := NewSplitter()
	var got []string
	for _, r := range head {
		got = append(got, s.Push(string(r))...)
	}
	if len(got) == 0 {
		t.Fatal("long unterminated text never broke")
	}
	first := []rune(got[0])
	if first[len(first)-1] != '，' {
		t.Fatalf("forced break not at a comma: %q", got[0])
	}
	if len(first) <= minBreakPos {
		t.Fatalf("break too early: %d runes", len(first))
	}

	// Round trip.
	joined := strings.Join(got, "") + s.Flush()
	if joined != head {
		t.Fatal("round trip broken after forced break")
	}
}

func TestSplitterRoundTrip(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"[HAPPY]\n很高兴帮你！这个问题很有趣。让我想想，嗯，版本 2.5.1 比较稳定。就这样吧...",
		"Mixed English and 中文 with 3.14159 and e.g.values. Done!",
		"没有任何标点的长文本" + strings.Repeat("啊", 50),
	}
	for _, in := range inputs {
		got, rest := feed(t, in)
		joined := strings.Join(got, "") + rest
		if joined != in {
			t.Errorf("round trip broken:\n in: %q\nout: %q", in, joined)
		}
	}
}

func TestSplitterMultiRuneTokens(t *testing.T) {
	t.Parallel()

	// Tokens arriving in chunks, terminator mid-token.
	s := NewSplitter()
	var got []string
	got = append(got, s.Push("你好。我")...)
	got = append(got, s.Push("在。")...)
	if len(got) != 2 || got[0] != "你好。" || got[1] != "我在。" {
		t.Fatalf("got %q", got)
	}
}
