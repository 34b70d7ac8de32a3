package actions

// Well-known action ids.
const (
	IDSummarizeSelection = "summarize-sel"
	IDExplain            = "explain-sel"
	IDImprove            = "improve-sel"
	IDSummarizePage      = "summarize-page"
)

// Defaults returns the built-in actions.
func Defaults() []Definition {
	sel := []Context{ContextSelection}
	page := []Context{ContextPage}
	both := []Context{ContextSelection, ContextPage}

	return []Definition{
		{
			ID:       IDSummarizeSelection,
			Title:    "Summarize Selection",
			Contexts: sel,
			Prompt:   "Provide a concise summary of the selected text in 2-3 sentences. Capture the main point and any critical details. Text: {{selection}}",
		},
		{
			ID:       IDExplain,
			Title:    "Explain This",
			Contexts: sel,
			Prompt:   "Explain the following text in simple, clear terms. If it's a technical concept, provide a real-world analogy. Text: {{selection}}",
		},
		{
			ID:       IDImprove,
			Title:    "Improve Writing",
			Contexts: sel,
			Prompt:   "Improve the writing of the following text. Fix grammar and spelling, tighten the wording and keep the original meaning and tone. Return only the improved text. Text: {{selection}}",
		},
		{
			ID:       IDSummarizePage,
			Title:    "Summarize Page",
			Contexts: page,
			Prompt:   "Read the current page content. Provide a high-level executive summary, followed by a list of the main topics covered.\n\nURL: {{url}}\nContent: {{page_content}}",
		},
		{
			ID:       "action-items",
			Title:    "Find Action Items",
			Contexts: both,
			Prompt:   "Analyze the text and extract a markdown checklist of actionable tasks or 'todos'. Identify who is responsible for each if mentioned.\n\nURL: {{url}}\nText: {{selection}}",
		},
		{
			ID:       "key-takeaways",
			Title:    "Key Takeaways",
			Contexts: both,
			Prompt:   "Read the following content and list the top 3-5 key takeaways as bullet points. Focus on insightful or surprising information.\n\nURL: {{url}}\nContent: {{selection}}",
		},
		{
			ID:       "devils-advocate",
			Title:    "Devil's Advocate",
			Contexts: sel,
			Prompt:   "Analyze the selected argument. Play 'Devil's Advocate' and provide 3 strong counter-arguments or potential flaws in this reasoning. Text: {{selection}}",
		},
		{
			ID:       "pros-cons",
			Title:    "Pros & Cons Analysis",
			Contexts: sel,
			Prompt:   "Analyze the subject of the selected text. Create a balanced Markdown table of Pros and Cons. Conclude with a brief verdict or recommendation. Text: {{selection}}",
		},
		{
			ID:       "critique",
			Title:    "Expert Critique",
			Contexts: sel,
			Prompt:   "Act as a senior editor/expert. Critique the following text. Identify 3 strengths and 3 specific areas for improvement (clarity, tone, logic). Do not rewrite it, just provide the feedback. Text: {{selection}}",
		},
		{
			ID:       "extract-data",
			Title:    "Extract Structured Data",
			Contexts: sel,
			Prompt:   "Extract the data from the selected text and format it as a clean Markdown Table. Identify the key columns/fields automatically. Text: {{selection}}",
		},
	}
}
