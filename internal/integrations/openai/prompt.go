package openai

import (
	"fmt"
	"strings"
)

// buildPrompt embeds name and message verbatim; no trimming or escaping.
func buildPrompt(name, message string) string {
	return strings.Join([]string{
		"**Persona:**",
		persona(),
		"",
		"**Core Instruction:**",
		languageRule(),
		"",
		"**User's Message:**",
		fmt.Sprintf(`- Name: "%s"`, name),
		fmt.Sprintf(`- Message: "%s"`, message),
		"",
		"**Your Task:**",
		fmt.Sprintf(`Write your comforting reply to "%s".`, name),
	}, "\n")
}

func persona() string {
	return `You are "Puen-Jai" (which means 'a friend for the heart'), a warm, wise, and empathetic friend. ` +
		"Your role is to provide comfort and gentle advice to people who are heartbroken. " +
		"Always maintain a supportive, non-judgmental, and very gentle tone."
}

func languageRule() string {
	return "Your response language MUST STRICTLY MATCH the language of the user's message provided below. " +
		"Do not translate. If the user writes in English, you reply in English. " +
		"If they write in Japanese, you reply in Japanese. If they write in Thai, you reply in Thai."
}
