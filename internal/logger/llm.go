package logger

import (
	"io"
	"log"
	"strings"
	"sync"

	"tapesim/internal/pkg/jsonutil"
)

// LLM 往返日志独立于主日志流，方便单独回放排查提示词问题。

var (
	llmMu   sync.Mutex
	llmLog  *log.Logger
	llmDump bool
)

func SetLLMWriter(w io.Writer) {
	llmMu.Lock()
	defer llmMu.Unlock()
	if w == nil {
		llmLog = nil
		return
	}
	llmLog = log.New(w, "", log.LstdFlags)
}

// EnableLLMPayloadDump 控制是否把完整请求体写进转录，默认关闭。
func EnableLLMPayloadDump(enabled bool) {
	llmMu.Lock()
	llmDump = enabled
	llmMu.Unlock()
}

type llmSection struct {
	Title string
	Body  string
}

func logLLM(kind, provider, purpose string, sections []llmSection) {
	llmMu.Lock()
	l := llmLog
	llmMu.Unlock()
	if l == nil {
		return
	}
	var b strings.Builder
	b.WriteString("[LLM]")
	for _, tag := range []string{kind, provider, purpose} {
		if tag == "" {
			continue
		}
		b.WriteString("[")
		b.WriteString(tag)
		b.WriteString("]")
	}
	b.WriteString("\n")
	for _, sec := range sections {
		t := strings.TrimSpace(sec.Title)
		if t == "" {
			t = "CONTENT"
		}
		b.WriteString("--- ")
		b.WriteString(t)
		b.WriteString(" ---\n")
		b.WriteString(sec.Body)
		if !strings.HasSuffix(sec.Body, "\n") {
			b.WriteString("\n")
		}
	}
	b.WriteString("=====\n")
	l.Print(b.String())
}

func LogLLMRequest(provider, purpose, systemPrompt, userPrompt string) {
	logLLM("request", provider, purpose, []llmSection{
		{Title: "SYSTEM", Body: systemPrompt},
		{Title: "USER", Body: userPrompt},
	})
}

// LogLLMPayload 在开启 dump 时把完整 HTTP 请求体写进转录，JSON 会重新缩进。
func LogLLMPayload(model, payload string) {
	llmMu.Lock()
	dump := llmDump
	llmMu.Unlock()
	if !dump || strings.TrimSpace(payload) == "" {
		return
	}
	logLLM("payload", model, "", []llmSection{{Title: "PAYLOAD", Body: jsonutil.Pretty(payload)}})
}

func LogLLMResponse(provider, purpose, raw string) {
	logLLM("response", provider, purpose, []llmSection{{Title: "RAW", Body: raw}})
}
