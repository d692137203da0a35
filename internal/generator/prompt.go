package generator

import (
	"fmt"
	"strings"
)

// buildPrompt renders the content-curation prompt for one article.
func buildPrompt(request Request) string {
	bio := strings.TrimSpace(request.Bio)
	if bio == "" {
		bio = fmt.Sprintf("User interested in %s", request.Topic)
	}

	var prompt strings.Builder
	prompt.WriteString("You are an expert content curator creating a personalized daily learning \"Bloc\" for a user.\n\n")
	prompt.WriteString("USER CONTEXT:\n")
	fmt.Fprintf(&prompt, "- Bio: %s\n", bio)
	fmt.Fprintf(&prompt, "- Topic for today: %s\n", request.Topic)
	if reference := strings.TrimSpace(request.ContinuityReference); reference != "" {
		fmt.Fprintf(&prompt, "- Yesterday's learning: %s\n", reference)
	}
	if len(request.RecentTitles) > 0 {
		fmt.Fprintf(&prompt, "- Recently covered: %s\n", strings.Join(request.RecentTitles, ", "))
	}

	prompt.WriteString(`
REQUIREMENTS:
1. Create engaging, high-quality educational content
2. Estimated reading time: 10 minutes (~1500 words)
3. Personalize based on user's bio and interests
4. If continuity reference exists, subtly connect to yesterday's learning
5. Structure: Introduction, 3-4 main concepts, "Why it matters" section, closing with next-day teaser

TONE:
- Conversational but informative
- Engaging and clear
- Not overly academic
- Inspire curiosity

FORMAT YOUR RESPONSE AS JSON with the following structure:
{
  "title": "Compelling title for the bloc",
  "content": "Full content in markdown format with ## headings for sections, including a '## Why This Matters' section near the end",
  "nextDayIdea": "One-sentence teaser for tomorrow's related topic"
}

Generate the Bloc now.
`)
	return prompt.String()
}
