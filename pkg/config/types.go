package config

import (
	"fmt"
	"time"
)

func BoolPtr(b bool) *bool { return &b }

// LLMProviderConfig describes one logical chat model.
type LLMProviderConfig struct {
	Type        string  `yaml:"type"` // gemini, openai
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	TimeoutSecs int     `yaml:"timeout"`

	// USD per million tokens, used by the gateway's cost accounting.
	InputPricePerMTok  float64 `yaml:"input_price_per_mtok"`
	OutputPricePerMTok float64 `yaml:"output_price_per_mtok"`
}

func (c *LLMProviderConfig) SetDefaults() {
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	if c.TimeoutSecs == 0 {
		c.TimeoutSecs = 30
	}
}

func (c *LLMProviderConfig) Validate() error {
	switch c.Type {
	case "gemini", "openai", "ollama":
	default:
		return fmt.Errorf("unsupported llm type: %s (supported: gemini, openai, ollama)", c.Type)
	}
	if c.Model == "" {
		return fmt.Errorf("llm model is required")
	}
	return nil
}

func (c *LLMProviderConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// BreakerConfig holds per-model circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold  int `yaml:"failure_threshold"`
	CooldownSecs      int `yaml:"cooldown"`
	HalfOpenSuccesses int `yaml:"half_open_successes"`
}

func (c *BreakerConfig) SetDefaults() {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 3
	}
	if c.CooldownSecs == 0 {
		c.CooldownSecs = 30
	}
	if c.HalfOpenSuccesses == 0 {
		c.HalfOpenSuccesses = 2
	}
}

func (c *BreakerConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSecs) * time.Second
}

// GatewayConfig governs the fallback cascade.
type GatewayConfig struct {
	// Tier name -> ordered logical model names.
	Chains map[string][]string `yaml:"chains"`

	CostCapUSD       float64       `yaml:"cost_cap_usd"`
	MaxFallbackDepth int           `yaml:"max_fallback_depth"`
	CallTimeoutSecs  int           `yaml:"call_timeout"`
	Breaker          BreakerConfig `yaml:"breaker"`
}

func (c *GatewayConfig) SetDefaults() {
	if c.CostCapUSD == 0 {
		c.CostCapUSD = 0.10
	}
	if c.MaxFallbackDepth == 0 {
		c.MaxFallbackDepth = 3
	}
	if c.CallTimeoutSecs == 0 {
		c.CallTimeoutSecs = 30
	}
	c.Breaker.SetDefaults()
}

func (c *GatewayConfig) Validate() error {
	if len(c.Chains) == 0 {
		return fmt.Errorf("at least one model chain is required")
	}
	for tier, chain := range c.Chains {
		if len(chain) == 0 {
			return fmt.Errorf("model chain for tier %q is empty", tier)
		}
	}
	return nil
}

func (c *GatewayConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSecs) * time.Second
}

// EmbedderProviderConfig describes the dense embedding provider.
type EmbedderProviderConfig struct {
	Type      string `yaml:"type"` // openai
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	Dimension int    `yaml:"dimension"`
}

func (c *EmbedderProviderConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "openai"
	}
	if c.Model == "" {
		c.Model = "text-embedding-3-small"
	}
	if c.Dimension == 0 {
		c.Dimension = 1536
	}
}

// VectorStoreConfig points at the vector database backend.
type VectorStoreConfig struct {
	Type      string `yaml:"type"` // qdrant
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	APIKey    string `yaml:"api_key"`
	EnableTLS *bool  `yaml:"enable_tls"`
}

func (c *VectorStoreConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "qdrant"
	}
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
}

// CollectionConfig describes one document collection.
type CollectionConfig struct {
	Name          string   `yaml:"name"`
	DenseDim      int      `yaml:"dense_dim"`
	Distance      string   `yaml:"distance"` // cosine (default), dot, euclid
	RequiredTier  int      `yaml:"required_tier"`
	Sparse        bool     `yaml:"sparse"`
	PayloadIndex  []string `yaml:"payload_index"`
}

func (c *CollectionConfig) SetDefaults() {
	if c.DenseDim == 0 {
		c.DenseDim = 1536
	}
	if c.Distance == "" {
		c.Distance = "cosine"
	}
}

func (c *CollectionConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("collection name is required")
	}
	return nil
}

// KnowledgeConfig points at the knowledge graph definition file.
type KnowledgeConfig struct {
	GraphPath string `yaml:"graph_path"`
}

// RetrieverConfig tunes the hybrid search layer.
type RetrieverConfig struct {
	PerCollectionLimit int `yaml:"per_collection_limit"` // depth of each ranked list before fusion
	TopK               int `yaml:"top_k"`                // fused results returned to the caller
	FusionK            int `yaml:"fusion_k"`             // reciprocal rank fusion constant
	Concurrency        int `yaml:"concurrency"`          // parallel collection fan-out
}

func (c *RetrieverConfig) SetDefaults() {
	if c.PerCollectionLimit == 0 {
		c.PerCollectionLimit = 20
	}
	if c.TopK == 0 {
		c.TopK = 8
	}
	if c.FusionK == 0 {
		c.FusionK = 60
	}
	if c.Concurrency == 0 {
		c.Concurrency = 4
	}
}

// SQLConfig is the shared SQL backing for memory and conversations.
type SQLConfig struct {
	Driver   string `yaml:"driver"` // postgres, mysql, sqlite
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
	Path     string `yaml:"path"` // sqlite only
	MaxConns int    `yaml:"max_conns"`
	MaxIdle  int    `yaml:"max_idle"`
}

func (c *SQLConfig) SetDefaults() {
	if c.Driver == "" {
		c.Driver = "sqlite"
	}
	if c.Driver == "sqlite" && c.Path == "" {
		c.Path = "nalar.db"
	}
	if c.Port == 0 {
		switch c.Driver {
		case "postgres":
			c.Port = 5432
		case "mysql":
			c.Port = 3306
		}
	}
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
	if c.MaxConns == 0 {
		c.MaxConns = 10
	}
	if c.MaxIdle == 0 {
		c.MaxIdle = 2
	}
}

func (c *SQLConfig) Validate() error {
	switch c.Driver {
	case "postgres", "mysql", "sqlite":
	default:
		return fmt.Errorf("unsupported sql driver: %s (supported: postgres, mysql, sqlite)", c.Driver)
	}
	if c.Driver != "sqlite" && c.Database == "" {
		return fmt.Errorf("database name is required for driver %s", c.Driver)
	}
	return nil
}

// ConnectionString builds the driver-specific DSN.
func (c *SQLConfig) ConnectionString() string {
	switch c.Driver {
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			c.User, c.Password, c.Host, c.Port, c.Database)
	default:
		return c.Path + "?_journal_mode=WAL&_busy_timeout=5000"
	}
}

// MemoryConfig covers the per-user and collective fact stores.
type MemoryConfig struct {
	SQL                SQLConfig `yaml:"sql"`
	LockTimeoutSecs    int       `yaml:"lock_timeout"`
	ReadConcurrency    int       `yaml:"read_concurrency"`
	PromotionThreshold int       `yaml:"promotion_threshold"`
	ExtractorTier      string    `yaml:"extractor_tier"`
}

func (c *MemoryConfig) SetDefaults() {
	c.SQL.SetDefaults()
	if c.LockTimeoutSecs == 0 {
		c.LockTimeoutSecs = 5
	}
	if c.ReadConcurrency == 0 {
		c.ReadConcurrency = 10
	}
	if c.PromotionThreshold == 0 {
		c.PromotionThreshold = 3
	}
	if c.ExtractorTier == "" {
		c.ExtractorTier = "lite"
	}
}

func (c *MemoryConfig) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutSecs) * time.Second
}

// DedupConfig tunes the two-layer duplicate filter.
type DedupConfig struct {
	RegistryPath     string  `yaml:"registry_path"`
	WindowSize       int     `yaml:"window_size"`
	KeywordThreshold float64 `yaml:"keyword_threshold"`
	CosineThreshold  float64 `yaml:"cosine_threshold"`
	KeywordRecent    int     `yaml:"keyword_recent"`
	SemanticRecent   int     `yaml:"semantic_recent"`
	SemanticMaxDays  int     `yaml:"semantic_max_days"`
}

func (c *DedupConfig) SetDefaults() {
	if c.RegistryPath == "" {
		c.RegistryPath = "published_items.json"
	}
	if c.WindowSize == 0 {
		c.WindowSize = 500
	}
	if c.KeywordThreshold == 0 {
		c.KeywordThreshold = 0.6
	}
	if c.CosineThreshold == 0 {
		c.CosineThreshold = 0.88
	}
	if c.KeywordRecent == 0 {
		c.KeywordRecent = 100
	}
	if c.SemanticRecent == 0 {
		c.SemanticRecent = 50
	}
	if c.SemanticMaxDays == 0 {
		c.SemanticMaxDays = 5
	}
}

// ReasoningConfig governs the ReAct loop.
type ReasoningConfig struct {
	MaxSteps        int             `yaml:"max_steps"`
	ToolTimeoutSecs int             `yaml:"tool_timeout"`
	StepBudgets     map[string]int  `yaml:"step_budgets"` // intent -> budget
	EarlyExit       map[string]bool `yaml:"early_exit"`   // intent -> eligible
}

func (c *ReasoningConfig) SetDefaults() {
	if c.MaxSteps == 0 {
		c.MaxSteps = 10
	}
	if c.ToolTimeoutSecs == 0 {
		c.ToolTimeoutSecs = 15
	}
	if c.EarlyExit == nil {
		c.EarlyExit = map[string]bool{
			"greeting":        true,
			"casual":          true,
			"business_simple": true,
		}
	}
}

func (c *ReasoningConfig) ToolTimeout() time.Duration {
	return time.Duration(c.ToolTimeoutSecs) * time.Second
}

// ServiceDescriptor is a verified service with price range and timeline,
// surfaced by the calibrator and the structured_pricing_lookup tool.
type ServiceDescriptor struct {
	Name     string  `yaml:"name" json:"name"`
	Topic    string  `yaml:"topic" json:"topic"`
	PriceMin float64 `yaml:"price_min" json:"price_min"`
	PriceMax float64 `yaml:"price_max" json:"price_max"`
	Currency string  `yaml:"currency" json:"currency"`
	Timeline string  `yaml:"timeline" json:"timeline"`
	Source   string  `yaml:"source" json:"source"`
}

// SessionConfig governs conversation persistence.
type SessionConfig struct {
	MaxHistory     int `yaml:"max_history"`      // turns kept per conversation
	SaveAttempts   int `yaml:"save_attempts"`    // synchronous SQL attempts
	RetryQueueSize int `yaml:"retry_queue_size"` // pending async retries
}

func (c *SessionConfig) SetDefaults() {
	if c.MaxHistory == 0 {
		c.MaxHistory = 20
	}
	if c.SaveAttempts == 0 {
		c.SaveAttempts = 3
	}
	if c.RetryQueueSize == 0 {
		c.RetryQueueSize = 256
	}
}

// PipelineConfig tunes the three-phase answer pipeline.
type PipelineConfig struct {
	CorrectionsPath  string   `yaml:"corrections_path"`
	MinAnswerChars   int      `yaml:"min_answer_chars"`
	MaxAnswerChars   int      `yaml:"max_answer_chars"`
	BypassCalibrator []string `yaml:"bypass_calibrator"` // intents
	WatchCorrections bool     `yaml:"watch_corrections"`
}

func (c *PipelineConfig) SetDefaults() {
	if c.MinAnswerChars == 0 {
		c.MinAnswerChars = 200
	}
	if c.MaxAnswerChars == 0 {
		c.MaxAnswerChars = 3000
	}
	if c.BypassCalibrator == nil {
		c.BypassCalibrator = []string{"greeting", "casual"}
	}
}

// ServerConfig is the HTTP surface.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	QueryTimeoutSecs int `yaml:"query_timeout"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.QueryTimeoutSecs == 0 {
		c.QueryTimeoutSecs = 60
	}
}

func (c *ServerConfig) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutSecs) * time.Second
}

// MetricsConfig toggles the Prometheus exporter.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// StreamConfig tunes the event stream.
type StreamConfig struct {
	MaxEventErrors int `yaml:"max_event_errors"`
}

func (c *StreamConfig) SetDefaults() {
	if c.MaxEventErrors == 0 {
		c.MaxEventErrors = 5
	}
}
