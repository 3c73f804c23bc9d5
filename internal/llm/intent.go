package llm

import "aide/internal/config"

// Intent is the classified purpose of a user message.
type Intent string

// All intents the router can produce.
const (
	IntentGreeting            Intent = "greeting"
	IntentFarewell            Intent = "farewell"
	IntentGeneralConversation Intent = "general_conversation"
	IntentQuestion            Intent = "question"
	IntentComplexQuery        Intent = "complex_query"
	IntentCodeRequest         Intent = "code_request"
	IntentCodeExplanation     Intent = "code_explanation"
	IntentSystemCommand       Intent = "system_command"
	IntentWebSearch           Intent = "web_search"
	IntentFileOperation       Intent = "file_operation"
	IntentMemoryRecall        Intent = "memory_recall"
	IntentCreativeWriting     Intent = "creative_writing"
	IntentAnalysis            Intent = "analysis"
	IntentMath                Intent = "math"
	IntentTranslation         Intent = "translation"
	IntentSummarization       Intent = "summarization"
	IntentUnknown             Intent = "unknown"
)

// AllIntents lists every intent, in classification-prompt order.
var AllIntents = []Intent{
	IntentGreeting, IntentFarewell, IntentGeneralConversation, IntentQuestion,
	IntentComplexQuery, IntentCodeRequest, IntentCodeExplanation,
	IntentSystemCommand, IntentWebSearch, IntentFileOperation,
	IntentMemoryRecall, IntentCreativeWriting, IntentAnalysis, IntentMath,
	IntentTranslation, IntentSummarization, IntentUnknown,
}

// intentModel maps each intent to the slot best suited to handle it.
// Unlisted intents fall back to the fast slot.
var intentModel = map[Intent]string{
	IntentComplexQuery:    config.SlotCritical,
	IntentCreativeWriting: config.SlotCritical,
	IntentAnalysis:        config.SlotCritical,
	IntentMath:            config.SlotCritical,
	IntentSummarization:   config.SlotCritical,
	IntentCodeRequest:     config.SlotCode,
	IntentCodeExplanation: config.SlotCode,
}

// intentExtensions maps intents to the extensions they require.
var intentExtensions = map[Intent][]string{
	IntentSystemCommand: {"app_launcher", "system_info"},
	IntentWebSearch:     {"web_search"},
	IntentFileOperation: {"file_search"},
}

// intentSkipsMemory lists the intents that do not benefit from memory
// retrieval. Everything else defaults to retrieving.
var intentSkipsMemory = map[Intent]bool{
	IntentGreeting:      true,
	IntentFarewell:      true,
	IntentSystemCommand: true,
	IntentWebSearch:     true,
	IntentFileOperation: true,
	IntentMath:          true,
	IntentTranslation:   true,
}

// ModelForIntent returns the slot that should handle the intent.
func ModelForIntent(intent Intent) string {
	if slot, ok := intentModel[intent]; ok {
		return slot
	}
	return config.SlotFast
}

// ExtensionsForIntent returns the extensions the intent requires.
func ExtensionsForIntent(intent Intent) []string {
	return intentExtensions[intent]
}

// IntentNeedsMemory reports whether memory retrieval helps this intent.
func IntentNeedsMemory(intent Intent) bool {
	return !intentSkipsMemory[intent]
}

// IntentResult is the outcome of classifying one user message.
type IntentResult struct {
	Intent             Intent   `json:"intent_type"`
	RecommendedModel   string   `json:"recommended_model"`
	RequiredExtensions []string `json:"required_extensions"`
	NeedsMemory        bool     `json:"needs_memory"`
	Confidence         float64  `json:"confidence"`
	RawResponse        string   `json:"-"`
}

func newIntentResult(intent Intent, confidence float64, raw string) IntentResult {
	return IntentResult{
		Intent:             intent,
		RecommendedModel:   ModelForIntent(intent),
		RequiredExtensions: ExtensionsForIntent(intent),
		NeedsMemory:        IntentNeedsMemory(intent),
		Confidence:         confidence,
		RawResponse:        raw,
	}
}
