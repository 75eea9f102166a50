package graph

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// splitIntoSentences breaks message text into sentences. Lines are the
// outer unit: a blank line always ends the current sentence, and
// sentence punctuation inside a line ends one too. Unterminated
// trailing text still counts as a sentence, since chat messages often
// skip the final period.
func splitIntoSentences(text string) []string {
	lines := strings.Split(text, "\n")
	var sentences []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			sentences = append(sentences, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			flush()
			continue
		}

		for _, sentence := range splitLineIntoSentences(trimmed) {
			if current.Len() > 0 {
				current.WriteString(" ")
			}
			current.WriteString(sentence)

			if endsSentence(sentence) {
				flush()
			}
		}
	}
	flush()

	result := make([]string, 0, len(sentences))
	for _, sentence := range sentences {
		if strings.TrimSpace(sentence) != "" {
			result = append(result, sentence)
		}
	}
	return result
}

func endsSentence(s string) bool {
	s = strings.TrimRight(strings.TrimSpace(s), "\"')]}")
	return strings.HasSuffix(s, ".") ||
		strings.HasSuffix(s, "!") ||
		strings.HasSuffix(s, "?")
}

func splitLineIntoSentences(line string) []string {
	var sentences []string
	var current strings.Builder

	for i := 0; i < len(line); i++ {
		current.WriteByte(line[i])

		if line[i] == '.' || line[i] == '!' || line[i] == '?' {
			// "1. buy beans" style listings keep their marker.
			isNumericListing := false
			if i > 0 && unicode.IsDigit(rune(line[i-1])) {
				if i+1 < len(line) && line[i+1] == ' ' {
					isNumericListing = true
				}
			}
			if isNumericListing {
				continue
			}

			j := i + 1
			for j < len(line) && (line[j] == '.' || line[j] == '!' || line[j] == '?') {
				current.WriteByte(line[j])
				j++
			}

			for j < len(line) && (line[j] == '"' || line[j] == '\'' || line[j] == ')' ||
				line[j] == ']' || line[j] == '}') {
				current.WriteByte(line[j])
				j++
			}

			sentence := strings.TrimSpace(current.String())
			if sentence != "" {
				sentences = append(sentences, sentence)
			}
			current.Reset()
			i = j - 1
		}
	}

	remaining := strings.TrimSpace(current.String())
	if remaining != "" {
		sentences = append(sentences, remaining)
	}

	return sentences
}

// containsTerm reports whether term occurs in text on word boundaries.
// Both arguments are expected lower-cased.
func containsTerm(text, term string) bool {
	return termPosition(text, term) >= 0
}

// boundedAt reports whether text[idx:idx+n] sits on word boundaries.
func boundedAt(text string, idx, n int) bool {
	beforeOK := idx == 0
	if !beforeOK {
		r, _ := utf8.DecodeLastRuneInString(text[:idx])
		beforeOK = !isWordRune(r)
	}

	end := idx + n
	afterOK := end >= len(text)
	if !afterOK {
		r, _ := utf8.DecodeRuneInString(text[end:])
		afterOK = !isWordRune(r)
	}
	return beforeOK && afterOK
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
