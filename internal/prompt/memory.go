package prompt

import "fmt"

const memoryExtractionTemplate = `Analyze the following conversation and extract important information that should be remembered long-term.

Conversation:
%s

Extract the following types of information if present:
1. Facts about the user (name, preferences, occupation, etc.)
2. Important events or dates mentioned
3. User's opinions and preferences
4. Recurring topics of interest
5. Technical details or project information
6. Relationships and connections mentioned

For each piece of information, provide:
- The information itself
- Category (user_fact, event, preference, interest, technical, relationship)
- Importance score (1-10)

Format as JSON array:
[
  {"content": "...", "category": "...", "importance": N},
  ...
]

If no important information to extract, return empty array: []

Important information to remember:`

const conversationSummaryTemplate = `Summarize the following conversation in 2-3 sentences, capturing the main topic and key points.

Conversation:
%s

Summary:`

// MemoryExtraction renders the long-term memory extraction prompt.
func MemoryExtraction(conversation string) string {
	return fmt.Sprintf(memoryExtractionTemplate, conversation)
}

// ConversationSummary renders the conversation summary prompt.
func ConversationSummary(conversation string) string {
	return fmt.Sprintf(conversationSummaryTemplate, conversation)
}
