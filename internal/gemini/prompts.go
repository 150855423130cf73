package gemini

import (
	"fmt"

	"google.golang.org/genai"
)

func scriptPrompt(text string) string {
	return fmt.Sprintf(`You turn source material (text, an image, or both) into a short summary and a narration script for listening, like an audiobook.

Summary: one concise paragraph covering the whole material.

Script:
- Split the material into logical sections, each with a descriptive title.
- Inside each section write clear paragraphs of a few sentences each.
- Use plain, engaging language that works when read aloud.
- Keep the order logical and cover the material completely.

Respond with a single JSON object matching the response schema and nothing else.

Source material:
---
%s
---
`, text)
}

func answerPrompt(question, contextText string) string {
	return fmt.Sprintf(`Answer the user's question using ONLY the context below. Do not use outside knowledge.
If the context does not contain the answer, say that the answer cannot be found in the provided text.
Keep the answer short and direct.

CONTEXT:
---
%s
---

QUESTION:
---
%s
---
`, contextText, question)
}

func scriptSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"summary": {
				Type:        genai.TypeString,
				Description: "One paragraph summarizing the whole material.",
			},
			"script": {
				Type:        genai.TypeArray,
				Description: "The narration script split into sections.",
				Items: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"title": {
							Type:        genai.TypeString,
							Description: "Section title.",
						},
						"paragraphs": {
							Type:        genai.TypeArray,
							Description: "Paragraphs to narrate, in order.",
							Items:       &genai.Schema{Type: genai.TypeString},
						},
					},
					Required: []string{"title", "paragraphs"},
				},
			},
		},
		Required: []string{"summary", "script"},
	}
}
