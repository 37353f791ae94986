package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/timmy/catalogsync/internal/domain"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Algolia  AlgoliaConfig  `mapstructure:"algolia"`
	Indexing IndexingConfig `mapstructure:"indexing"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Replicas ReplicasConfig `mapstructure:"replicas"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Stores   []StoreConfig  `mapstructure:"stores"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
	// RunQueue enables the periodic queue runner inside the API process.
	RunQueue bool `mapstructure:"run_queue"`
}

type AlgoliaConfig struct {
	ApplicationID string `mapstructure:"application_id"`
	APIKey        string `mapstructure:"api_key"`
	SearchAPIKey  string `mapstructure:"search_api_key"`
	IndexPrefix   string `mapstructure:"index_prefix"`
	// BaseURL overrides the per-application hosts. Empty means https://{app}.algolia.net.
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
	// RetryCount is the number of extra attempts on rate limits, 5xx and network errors.
	RetryCount int `mapstructure:"retry_count"`

	MaxRecordSize         int      `mapstructure:"max_record_size"`
	NonCastableAttributes []string `mapstructure:"non_castable_attributes"`
	DateFields            []string `mapstructure:"date_fields"`

	TaskPollInterval   time.Duration `mapstructure:"task_poll_interval"`
	TaskPollMaxRetries int           `mapstructure:"task_poll_max_retries"`

	// ExtraSettings holds raw JSON settings per index section, merged over computed settings.
	ExtraSettings map[string]string `mapstructure:"extra_settings"`
}

type IndexingConfig struct {
	PageSize    int  `mapstructure:"page_size"`
	UseTmpIndex bool `mapstructure:"use_tmp_index"`

	Products    ProductsConfig    `mapstructure:"products"`
	Categories  CategoriesConfig  `mapstructure:"categories"`
	Pages       PagesConfig       `mapstructure:"pages"`
	Suggestions SuggestionsConfig `mapstructure:"suggestions"`
	Sections    []SectionConfig   `mapstructure:"sections"`
}

type ProductsConfig struct {
	IndexOutOfStock      bool          `mapstructure:"index_out_of_stock"`
	SearchableAttributes []string      `mapstructure:"searchable_attributes"`
	CustomRanking        []string      `mapstructure:"custom_ranking"`
	Facets               []FacetConfig `mapstructure:"facets"`
}

type FacetConfig struct {
	Attribute  string `mapstructure:"attribute"`
	Label      string `mapstructure:"label"`
	Searchable bool   `mapstructure:"searchable"`
	CreateRule bool   `mapstructure:"create_rule"`
}

type CategoriesConfig struct {
	IndexEmpty     bool `mapstructure:"index_empty"`
	IndexNotInMenu bool `mapstructure:"index_not_in_menu"`
}

type PagesConfig struct {
	Excluded []string `mapstructure:"excluded"`
}

type SuggestionsConfig struct {
	MinPopularity      int `mapstructure:"min_popularity"`
	MinNumberOfResults int `mapstructure:"min_number_of_results"`
}

// SectionConfig is an additional facet section indexed from distinct product attribute values.
type SectionConfig struct {
	Name  string `mapstructure:"name"`
	Label string `mapstructure:"label"`
}

type QueueConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	NumberOfJobsToRun int           `mapstructure:"number_of_jobs_to_run"`
	MaxRetries        int           `mapstructure:"max_retries"`
	LockTimeout       time.Duration `mapstructure:"lock_timeout"`
	RunInterval       time.Duration `mapstructure:"run_interval"`
}

type ReplicasConfig struct {
	DeleteRetries       int           `mapstructure:"delete_retries"`
	DeleteRetryInterval time.Duration `mapstructure:"delete_retry_interval"`
	// SnapshotSettings uploads primary settings to object storage before a rebuild.
	SnapshotSettings bool `mapstructure:"snapshot_settings"`
}

// StorageConfig is the S3-compatible bucket used for settings snapshots.
type StorageConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Type      string `mapstructure:"type"` // r2, s3, s3compatible
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	PublicURL string `mapstructure:"public_url"`
	Prefix    string `mapstructure:"prefix"`
}

type StoreConfig struct {
	ID    int                  `mapstructure:"id"`
	Code  string               `mapstructure:"code"`
	Name  string               `mapstructure:"name"`
	Sorts []domain.ReplicaSpec `mapstructure:"sorts"`
}

// Sections that may carry extra settings.
var ExtraSettingsSections = []string{"products", "categories", "pages", "suggestions", "additional_sections"}

// Load reads configuration from configPath (or ./configs/config.yaml) and the environment.
func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Secrets come from the environment
	v.BindEnv("algolia.application_id", "ALGOLIA_APPLICATION_ID")
	v.BindEnv("algolia.api_key", "ALGOLIA_API_KEY")
	v.BindEnv("algolia.search_api_key", "ALGOLIA_SEARCH_API_KEY")
	v.BindEnv("algolia.index_prefix", "ALGOLIA_INDEX_PREFIX")
	v.BindEnv("database.url", "DATABASE_URL")
	v.BindEnv("storage.endpoint", "STORAGE_ENDPOINT")
	v.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY")
	v.BindEnv("storage.bucket", "STORAGE_BUCKET")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.run_queue", true)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/catalogsync.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("algolia.timeout", 30*time.Second)
	v.SetDefault("algolia.retry_count", 3)
	v.SetDefault("algolia.max_record_size", 10000)
	v.SetDefault("algolia.non_castable_attributes", []string{})
	v.SetDefault("algolia.date_fields", []string{
		"created_at", "updated_at", "news_from_date", "news_to_date", "special_from_date", "special_to_date",
	})
	v.SetDefault("algolia.task_poll_interval", 500*time.Millisecond)
	v.SetDefault("algolia.task_poll_max_retries", 60)

	v.SetDefault("indexing.page_size", 300)
	v.SetDefault("indexing.use_tmp_index", false)
	v.SetDefault("indexing.products.searchable_attributes", []string{"name", "sku", "description"})
	v.SetDefault("indexing.suggestions.min_popularity", 1000)
	v.SetDefault("indexing.suggestions.min_number_of_results", 2)

	v.SetDefault("queue.enabled", false)
	v.SetDefault("queue.number_of_jobs_to_run", 5)
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.lock_timeout", time.Hour)
	v.SetDefault("queue.run_interval", time.Minute)

	v.SetDefault("replicas.delete_retries", 5)
	v.SetDefault("replicas.delete_retry_interval", 10*time.Second)
	v.SetDefault("replicas.snapshot_settings", true)

	v.SetDefault("storage.enabled", false)
	v.SetDefault("storage.prefix", "settings-snapshots")
}

// Validate fails fast on configuration the engine cannot run with.
func (c *Config) Validate() error {
	if c.Algolia.ApplicationID == "" || c.Algolia.APIKey == "" {
		return fmt.Errorf("%w: application id and admin api key must be set", domain.ErrInvalidCredentials)
	}

	if len(c.Stores) == 0 {
		return errors.New("at least one store must be configured")
	}
	seen := make(map[int]bool, len(c.Stores))
	for _, s := range c.Stores {
		if s.Code == "" {
			return fmt.Errorf("store %d: code is required", s.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("store %d: duplicate id", s.ID)
		}
		seen[s.ID] = true
		for _, sort := range s.Sorts {
			if sort.Attribute == "" {
				return fmt.Errorf("store %d: sort attribute is required", s.ID)
			}
			if sort.Direction != domain.SortAsc && sort.Direction != domain.SortDesc {
				return fmt.Errorf("store %d: sort %s: direction must be asc or desc, got %q", s.ID, sort.Attribute, sort.Direction)
			}
		}
	}

	for section := range c.Algolia.ExtraSettings {
		if _, err := c.Algolia.ExtraSettingsFor(section); err != nil {
			return err
		}
	}

	if c.Indexing.PageSize < 1 {
		return fmt.Errorf("indexing.page_size must be positive, got %d", c.Indexing.PageSize)
	}
	return nil
}

// ExtraSettingsFor decodes the extra settings configured for an index section.
// A section without extra settings yields nil.
func (a *AlgoliaConfig) ExtraSettingsFor(section string) (domain.Settings, error) {
	known := false
	for _, s := range ExtraSettingsSections {
		if s == section {
			known = true
			break
		}
	}
	if !known {
		return nil, fmt.Errorf("%w: unknown section %q", domain.ErrInvalidExtraSettings, section)
	}

	raw := strings.TrimSpace(a.ExtraSettings[section])
	if raw == "" {
		return nil, nil
	}
	var settings domain.Settings
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return nil, fmt.Errorf("%w: section %q: %v", domain.ErrInvalidExtraSettings, section, err)
	}
	return settings, nil
}

// Store returns the configuration of one store.
func (c *Config) Store(id int) (*StoreConfig, error) {
	for i := range c.Stores {
		if c.Stores[i].ID == id {
			return &c.Stores[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %d", domain.ErrUnknownStore, id)
}

// StoreIDs returns every configured store id in configuration order.
func (c *Config) StoreIDs() []int {
	ids := make([]int, 0, len(c.Stores))
	for _, s := range c.Stores {
		ids = append(ids, s.ID)
	}
	return ids
}
