// Package config loads forumgraph settings from .env, config.yaml and the
// environment, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Site struct {
	BaseURL           string `mapstructure:"base_url"`
	SessionCookieName string `mapstructure:"session_cookie_name"`
	SessionCookie     string `mapstructure:"session_cookie"`
	UserAgent         string `mapstructure:"user_agent"`
}

type Crawl struct {
	CourseID    string        `mapstructure:"course_id"`
	CourseName  string        `mapstructure:"course_name"`
	Semester    string        `mapstructure:"semester"`
	Faculty     string        `mapstructure:"faculty"`
	DataDir     string        `mapstructure:"data_dir"`
	WaitTimeout time.Duration `mapstructure:"wait_timeout"`
	PageSize    int           `mapstructure:"page_size"`
	Schedule    string        `mapstructure:"schedule"`
	Ledger      string        `mapstructure:"ledger"` // "file" or "sqlite"
}

type Attachments struct {
	Attempts    int           `mapstructure:"attempts"`
	Pause       time.Duration `mapstructure:"pause"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Concurrency int           `mapstructure:"concurrency"`
}

type Embeddings struct {
	Provider string `mapstructure:"provider"`
	URL      string `mapstructure:"url"`
	Model    string `mapstructure:"model"`
}

type Neo4j struct {
	URI         string        `mapstructure:"uri"`
	User        string        `mapstructure:"user"`
	Password    string        `mapstructure:"password"`
	Database    string        `mapstructure:"database"`
	MaxPoolSize int           `mapstructure:"max_pool_size"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type Graph struct {
	Dimensions int    `mapstructure:"dimensions"`
	IndexName  string `mapstructure:"index_name"`
}

type Retrieval struct {
	Overfetch int `mapstructure:"overfetch"`
}

type Ingest struct {
	Concurrency int `mapstructure:"concurrency"`
}

type Search struct {
	IndexPath string `mapstructure:"index_path"`
}

type Serve struct {
	Addr        string   `mapstructure:"addr"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

type Log struct {
	Mode string `mapstructure:"mode"`
}

type Config struct {
	Site        Site        `mapstructure:"site"`
	Crawl       Crawl       `mapstructure:"crawl"`
	Attachments Attachments `mapstructure:"attachments"`
	Embeddings  Embeddings  `mapstructure:"embeddings"`
	Neo4j       Neo4j       `mapstructure:"neo4j"`
	Graph       Graph       `mapstructure:"graph"`
	Retrieval   Retrieval   `mapstructure:"retrieval"`
	Ingest      Ingest      `mapstructure:"ingest"`
	Search      Search      `mapstructure:"search"`
	Serve       Serve       `mapstructure:"serve"`
	Log         Log         `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("site.base_url", "https://isis.tu-berlin.de")
	v.SetDefault("site.session_cookie_name", "MoodleSession")
	v.SetDefault("site.session_cookie", "")
	v.SetDefault("site.user_agent", "forumgraph/1.0")

	v.SetDefault("crawl.course_id", "")
	v.SetDefault("crawl.course_name", "")
	v.SetDefault("crawl.semester", "")
	v.SetDefault("crawl.faculty", "")
	v.SetDefault("crawl.data_dir", "./data")
	v.SetDefault("crawl.wait_timeout", 4*time.Second)
	v.SetDefault("crawl.page_size", 100)
	v.SetDefault("crawl.schedule", "@hourly")
	v.SetDefault("crawl.ledger", "file")

	v.SetDefault("attachments.attempts", 3)
	v.SetDefault("attachments.pause", 2*time.Second)
	v.SetDefault("attachments.timeout", 10*time.Second)
	v.SetDefault("attachments.concurrency", 4)

	v.SetDefault("embeddings.provider", "ollama")
	v.SetDefault("embeddings.url", "")
	v.SetDefault("embeddings.model", "")

	v.SetDefault("neo4j.uri", "")
	v.SetDefault("neo4j.user", "neo4j")
	v.SetDefault("neo4j.password", "")
	v.SetDefault("neo4j.database", "")
	v.SetDefault("neo4j.max_pool_size", 50)
	v.SetDefault("neo4j.timeout", 10*time.Second)

	v.SetDefault("graph.dimensions", 768)
	v.SetDefault("graph.index_name", "post_embeddings")

	v.SetDefault("retrieval.overfetch", 5)
	v.SetDefault("ingest.concurrency", 4)
	v.SetDefault("search.index_path", "")
	v.SetDefault("serve.addr", "localhost:6893")
	v.SetDefault("serve.cors_origins", []string{})
	v.SetDefault("log.mode", "dev")
}

// Load reads configuration. configFile may be empty, in which case
// config.yaml is looked up in the working directory and $HOME/.forumgraph.
// A missing config file is not an error.
func Load(configFile string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.forumgraph")
	}

	v.SetEnvPrefix("FORUMGRAPH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Conventional neo4j variables are honoured as well.
	for key, env := range map[string]string{
		"neo4j.uri":      "NEO4J_URI",
		"neo4j.user":     "NEO4J_USER",
		"neo4j.password": "NEO4J_PASSWORD",
		"neo4j.database": "NEO4J_DATABASE",
	} {
		_ = v.BindEnv(key, "FORUMGRAPH_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail deep inside a crawl or an
// ingestion run.
func (c *Config) Validate() error {
	if c.Graph.Dimensions <= 0 {
		return fmt.Errorf("config: graph.dimensions must be positive, got %d", c.Graph.Dimensions)
	}
	if c.Crawl.PageSize <= 0 {
		return fmt.Errorf("config: crawl.page_size must be positive, got %d", c.Crawl.PageSize)
	}
	if c.Attachments.Attempts <= 0 {
		return fmt.Errorf("config: attachments.attempts must be positive, got %d", c.Attachments.Attempts)
	}
	if c.Retrieval.Overfetch < 1 {
		return fmt.Errorf("config: retrieval.overfetch must be >= 1, got %d", c.Retrieval.Overfetch)
	}
	switch c.Crawl.Ledger {
	case "file", "sqlite":
	default:
		return fmt.Errorf("config: crawl.ledger must be file or sqlite, got %q", c.Crawl.Ledger)
	}
	return nil
}

// CourseDir is the per-course output directory, e.g. data/course_40280/forums.
func (c *Config) CourseDir(courseID string) string {
	return fmt.Sprintf("%s/course_%s/forums", strings.TrimRight(c.Crawl.DataDir, "/"), courseID)
}

// IndexPath is the keyword index location; it defaults to a directory under
// the data dir.
func (c *Config) IndexPath() string {
	if c.Search.IndexPath != "" {
		return c.Search.IndexPath
	}
	return strings.TrimRight(c.Crawl.DataDir, "/") + "/bleve"
}

// LedgerDBPath is the sqlite file used when crawl.ledger is "sqlite".
func (c *Config) LedgerDBPath() string {
	return strings.TrimRight(c.Crawl.DataDir, "/") + "/ledger.db"
}
