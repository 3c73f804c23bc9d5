package config

// ShortTermConfig configures the per-session conversation buffer.
type ShortTermConfig struct {
	MaxMessages int `yaml:"max_messages"`
	// TTL in seconds for buffered messages.
	ExpireAfter int `yaml:"expire_after"`
}

// LongTermConfig configures persistent memory extraction.
type LongTermConfig struct {
	AutoExtract bool `yaml:"auto_extract"`
	// Extract learnings every N messages.
	ExtractInterval int `yaml:"extract_interval"`
}

// RetrievalConfig configures memory retrieval.
type RetrievalConfig struct {
	Threshold  float64 `yaml:"threshold"`
	MaxResults int     `yaml:"max_results"`
	Reranking  bool    `yaml:"reranking"`
}

// EmbeddingsConfig configures the embedding model.
type EmbeddingsConfig struct {
	Model     string `yaml:"model"`
	Dimension int    `yaml:"dimension"`
}

// PersonalityConfig configures personality learning.
type PersonalityConfig struct {
	InferentialLearningEnabled          bool `yaml:"inferential_learning_enabled"`
	InferentialLearningRequiresApproval bool `yaml:"inferential_learning_requires_approval"`

	AutoApproveEnabled   bool    `yaml:"auto_approve_enabled"`
	AutoApproveThreshold float64 `yaml:"auto_approve_threshold"`
	LearningMode         string  `yaml:"learning_mode"` // conservative, moderate, aggressive

	// Tokens reserved for the personality block in the system prompt.
	PersonalityTokenBudget int `yaml:"personality_token_budget"`
	MaxFragmentsInPrompt   int `yaml:"max_fragments_in_prompt"`
	// When the approved fragment count exceeds this, compress via LLM.
	CompressThreshold int `yaml:"compress_threshold"`
}

// MemoryConfig configures the complete memory subsystem.
type MemoryConfig struct {
	ShortTerm   ShortTermConfig   `yaml:"short_term"`
	LongTerm    LongTermConfig    `yaml:"long_term"`
	Retrieval   RetrievalConfig   `yaml:"retrieval"`
	Embeddings  EmbeddingsConfig  `yaml:"embeddings"`
	Personality PersonalityConfig `yaml:"personality"`
}

// DefaultMemoryConfig returns memory subsystem defaults.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		ShortTerm: ShortTermConfig{
			MaxMessages: 20,
			ExpireAfter: 3600,
		},
		LongTerm: LongTermConfig{
			AutoExtract:     true,
			ExtractInterval: 10,
		},
		Retrieval: RetrievalConfig{
			Threshold:  0.6,
			MaxResults: 5,
			Reranking:  true,
		},
		Embeddings: EmbeddingsConfig{
			Model:     "nomic-embed-text:latest",
			Dimension: 768,
		},
		Personality: PersonalityConfig{
			InferentialLearningEnabled:          true,
			InferentialLearningRequiresApproval: true,
			AutoApproveEnabled:                  false,
			AutoApproveThreshold:                0.85,
			LearningMode:                        "moderate",
			PersonalityTokenBudget:              512,
			MaxFragmentsInPrompt:                10,
			CompressThreshold:                   20,
		},
	}
}

func (c *MemoryConfig) normalize() {
	if c.ShortTerm.MaxMessages <= 0 {
		c.ShortTerm.MaxMessages = 20
	}
	if c.ShortTerm.ExpireAfter <= 0 {
		c.ShortTerm.ExpireAfter = 3600
	}
	if c.LongTerm.ExtractInterval <= 0 {
		c.LongTerm.ExtractInterval = 10
	}
	if c.Retrieval.MaxResults <= 0 {
		c.Retrieval.MaxResults = 5
	}
	if c.Embeddings.Dimension <= 0 {
		c.Embeddings.Dimension = 768
	}
	if c.Personality.MaxFragmentsInPrompt <= 0 {
		c.Personality.MaxFragmentsInPrompt = 10
	}
	if c.Personality.CompressThreshold <= 0 {
		c.Personality.CompressThreshold = 20
	}
	if c.Personality.PersonalityTokenBudget <= 0 {
		c.Personality.PersonalityTokenBudget = 512
	}
}
