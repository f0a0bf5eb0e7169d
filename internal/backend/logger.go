package backend

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/erg0nix/parley/internal/core"
)

// RequestLogger writes backend traffic to a daily JSONL file for debugging.
type RequestLogger struct {
	logDir       string
	logRequests  bool
	logResponses bool
	logger       *slog.Logger
}

type LogEntry struct {
	Timestamp  string               `json:"timestamp"`
	RequestID  string               `json:"request_id"`
	Backend    string               `json:"backend"`
	Type       string               `json:"type"`
	Messages   []core.Message       `json:"messages,omitempty"`
	Sampling   *core.SamplingConfig `json:"sampling,omitempty"`
	MaxTokens  int                  `json:"max_tokens,omitempty"`
	Content    string               `json:"content,omitempty"`
	Usage      *core.ContextInfo    `json:"usage,omitempty"`
	Duration   string               `json:"duration,omitempty"`
	Error      string               `json:"error,omitempty"`
	StatusCode int                  `json:"status_code,omitempty"`
}

// NewRequestLogger returns nil when neither requests nor responses are logged.
// All methods are safe on a nil receiver.
func NewRequestLogger(logDir string, logRequests, logResponses bool, logger *slog.Logger) *RequestLogger {
	if !logRequests && !logResponses {
		return nil
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &RequestLogger{
		logDir:       logDir,
		logRequests:  logRequests,
		logResponses: logResponses,
		logger:       logger,
	}
}

func (l *RequestLogger) LogRequest(requestID core.RequestID, backendName string, messages []core.Message, maxTokens int, sampling core.SamplingConfig) {
	if l == nil || !l.logRequests {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RequestID: string(requestID),
		Backend:   backendName,
		Type:      "request",
		Messages:  messages,
		Sampling:  &sampling,
		MaxTokens: maxTokens,
	}

	l.writeLog(entry)
	l.logger.Debug("backend request", "request_id", requestID, "backend", backendName, "message_count", len(messages), "max_tokens", maxTokens)
}

func (l *RequestLogger) LogResponse(requestID core.RequestID, backendName string, content string, usage *core.ContextInfo, duration time.Duration) {
	if l == nil || !l.logResponses {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RequestID: string(requestID),
		Backend:   backendName,
		Type:      "response",
		Content:   content,
		Usage:     usage,
		Duration:  duration.String(),
	}

	l.writeLog(entry)
}

func (l *RequestLogger) LogError(requestID core.RequestID, backendName string, statusCode int, err error, messages []core.Message) {
	if l == nil {
		return
	}

	entry := LogEntry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		RequestID:  string(requestID),
		Backend:    backendName,
		Type:       "error",
		StatusCode: statusCode,
		Error:      err.Error(),
		Messages:   messages,
	}

	l.writeLog(entry)

	msgSummary := make([]string, 0, min(5, len(messages)))
	start := max(0, len(messages)-5)
	for i := start; i < len(messages); i++ {
		msg := messages[i]
		content := msg.Content
		if len(content) > 50 {
			content = content[:50] + "..."
		}
		msgSummary = append(msgSummary, fmt.Sprintf("[%s] %s", msg.Role, content))
	}

	l.logger.Error("backend request failed",
		"request_id", requestID,
		"backend", backendName,
		"status_code", statusCode,
		"error", err,
		"recent_messages", msgSummary,
	)
}

func (l *RequestLogger) writeLog(entry LogEntry) {
	if l.logDir == "" {
		return
	}

	_ = os.MkdirAll(l.logDir, 0o755)

	logFile := filepath.Join(l.logDir, fmt.Sprintf("backend_%s.jsonl", time.Now().Format("2006-01-02")))

	data, _ := json.Marshal(entry)
	f, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()

	_, _ = f.Write(data)
	_, _ = f.WriteString("\n")
}
