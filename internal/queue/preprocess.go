package queue

import (
	"net/url"
	"strings"

	"github.com/mnemon-ai/mnemon/pkg/logger"

	"codeberg.org/readeck/go-readability/v2"
)

var htmlMarkers = []string{"<html", "<body", "<div", "<p>", "<p ", "<br", "<span", "<article"}

// looksLikeHTML is a cheap marker scan. False negatives fall through to
// plain-text extraction, which still works on tag-littered input.
func looksLikeHTML(message string) bool {
	lowered := strings.ToLower(message)
	for _, marker := range htmlMarkers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}

// CleanMessage prepares a raw message for extraction. HTML payloads go
// through readability so only the readable text reaches the ensemble;
// anything else passes through trimmed. Readability failures fall back
// to the raw message rather than losing the write.
func CleanMessage(message string) string {
	message = strings.TrimSpace(message)
	if message == "" || !looksLikeHTML(message) {
		return message
	}

	base, err := url.Parse("http://localhost/")
	if err != nil {
		return message
	}
	article, err := readability.FromReader(strings.NewReader(message), base)
	if err != nil {
		logger.Debug("[Queue] Readability parse failed, using raw message", "error", err)
		return message
	}

	var builder strings.Builder
	if err := article.RenderText(&builder); err != nil {
		logger.Debug("[Queue] Readability render failed, using raw message", "error", err)
		return message
	}

	text := strings.TrimSpace(builder.String())
	if text == "" {
		return message
	}
	return text
}
