package live_processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"

	"interview-live-go/internal/accounting"
	"interview-live-go/internal/pipeline"
)

var (
	codeFence  = regexp.MustCompile("(?s)```.*?```")
	openFence  = regexp.MustCompile("(?s)```.*$")
	blankLines = regexp.MustCompile(`\n{3,}`)
)

// Processor はセッションのイベントを受け取り、回答・文字起こし・残高をコンソールに表示します。
type Processor struct {
	out       io.Writer
	pricing   accounting.Pricing
	showLevel bool

	answer string
	level  bool
}

// NewProcessor は新しい Processor インスタンスを作成します。
func NewProcessor(out io.Writer, pricing accounting.Pricing, showLevel bool) *Processor {
	return &Processor{
		out:       out,
		pricing:   pricing,
		showLevel: showLevel,
	}
}

// Run はイベントチャネルがクローズされるか ctx が終了するまで表示を続けます。
func (p *Processor) Run(ctx context.Context, events <-chan pipeline.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			p.Handle(e)
		}
	}
}

// Handle は 1 つのイベントを表示します。
func (p *Processor) Handle(e pipeline.Event) {
	switch e.Kind {
	case pipeline.EventReady:
		p.println("🟢 接続しました。質問をどうぞ。")
	case pipeline.EventState:
		slog.Debug("接続状態が変わりました", "state", e.State)
	case pipeline.EventSpeaking:
		slog.Debug("モデルの発話状態", "speaking", e.Speaking)
	case pipeline.EventText:
		p.showAnswer(e.Text)
	case pipeline.EventTurnComplete:
		p.endAnswer()
	case pipeline.EventTranscription:
		p.println("🔊 " + strings.TrimSpace(e.Text))
		p.answer = ""
	case pipeline.EventLevel:
		if p.showLevel {
			p.showMeter(e.Level)
		}
	case pipeline.EventCredits:
		p.println("💳 残高: " + p.pricing.Describe(e.Credits))
	case pipeline.EventWarning:
		if errors.Is(e.Err, accounting.ErrExhausted) {
			p.println(fmt.Sprintf("⚠️ クレジットが不足しています。%s 後にセッションを終了します。", e.Grace))
			return
		}
		p.println(fmt.Sprintf("⚠️ %v", e.Err))
	case pipeline.EventStopped:
		p.showSummary(e)
	}
}

// showAnswer は累積テキストのうち、前回表示から伸びた部分だけを書き足します。
// 回答の区切りは EventTurnComplete で判断し、同じターン内で前回の表示が接頭辞で
// なくなったときだけ改行して全体を表示し直します。
func (p *Processor) showAnswer(text string) {
	sanitized := sanitizeMessage(text)
	if sanitized == "" {
		return
	}
	p.clearMeter()
	if p.answer != "" && strings.HasPrefix(sanitized, p.answer) {
		fmt.Fprint(p.out, sanitized[len(p.answer):])
	} else {
		if p.answer != "" {
			fmt.Fprintln(p.out)
		}
		fmt.Fprint(p.out, "\n💬 "+sanitized)
	}
	p.answer = sanitized
}

// endAnswer は表示中の回答の行を閉じ、次のテキストを新しい回答として扱います。
func (p *Processor) endAnswer() {
	if p.answer != "" {
		fmt.Fprintln(p.out)
		p.answer = ""
	}
}

func (p *Processor) showSummary(e pipeline.Event) {
	p.answer = ""
	switch {
	case e.Err != nil:
		p.println(fmt.Sprintf("⏹ セッションを終了しました (%s): %v", e.Reason, e.Err))
	default:
		p.println(fmt.Sprintf("⏹ セッションを終了しました (%s)", e.Reason))
	}
	if s := e.Summary; s != nil {
		p.println(fmt.Sprintf("   利用時間: %d 分 / 消費: %.*f credits / 残高: %s",
			s.DurationMinutes, p.pricing.Precision, s.CreditsUsed, p.pricing.Describe(s.RemainingCredits)))
	}
}

func (p *Processor) showMeter(level int) {
	const width = 20
	n := max(0, min(width, level*width/100))
	fmt.Fprintf(p.out, "\r🎙 [%s%s] %3d", strings.Repeat("#", n), strings.Repeat(" ", width-n), level)
	p.level = true
}

func (p *Processor) clearMeter() {
	if p.level {
		fmt.Fprint(p.out, "\r\033[K")
		p.level = false
	}
}

func (p *Processor) println(line string) {
	p.clearMeter()
	if p.answer != "" {
		fmt.Fprintln(p.out)
		p.answer = ""
	}
	fmt.Fprintln(p.out, line)
}

// sanitizeMessage は Gemini からの応答をコンソール表示用に整形します。
// 箇条書きの改行は残し、コードブロックと過剰な空行を取り除きます。
// 受信途中で閉じていないコードブロックも表示しません。
func sanitizeMessage(message string) string {
	message = codeFence.ReplaceAllString(message, "")
	message = openFence.ReplaceAllString(message, "")

	lines := strings.Split(message, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t\r")
	}
	message = strings.Join(lines, "\n")
	message = blankLines.ReplaceAllString(message, "\n\n")
	return strings.TrimSpace(message)
}
