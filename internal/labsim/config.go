package labsim

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig `yaml:"server"`
	Stream   StreamConfig `yaml:"stream"`
	Terminal TermConfig   `yaml:"terminal"`
	Labs     []LabConfig  `yaml:"labs"`
}

type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
	// AuthToken is required on every request when set.
	AuthToken string `yaml:"auth_token"`
}

type StreamConfig struct {
	FrameInterval time.Duration `yaml:"frame_interval"`
	// Scenario selects the provisioning script: steady, error, flaky or drop.
	Scenario string `yaml:"scenario"`
}

type TermConfig struct {
	// Shell is run under a PTY for each terminal connection. Empty means
	// the built-in echo shell.
	Shell string `yaml:"shell"`
}

type LabConfig struct {
	ID            int64            `yaml:"id"`
	Title         string           `yaml:"title"`
	Description   string           `yaml:"description"`
	EstimatedTime int              `yaml:"estimated_time"`
	Questions     []QuestionConfig `yaml:"questions"`
	// Enrolled restricts the lab to these user ids. Empty means everyone.
	Enrolled []int64 `yaml:"enrolled"`
}

type QuestionConfig struct {
	ID       int64          `yaml:"id"`
	Question string         `yaml:"question"`
	Hint     string         `yaml:"hint"`
	Solution string         `yaml:"solution"`
	Answers  []AnswerConfig `yaml:"answers"`
	// Expect is the command text the grader looks for in the terminal
	// history of a check question.
	Expect string `yaml:"expect"`
}

type AnswerConfig struct {
	ID      int64  `yaml:"id"`
	Content string `yaml:"content"`
	Right   bool   `yaml:"right"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 9998,
			Host: "127.0.0.1",
		},
		Stream: StreamConfig{
			FrameInterval: 700 * time.Millisecond,
			Scenario:      ScenarioSteady,
		},
		Labs: []LabConfig{
			{
				ID:            1,
				Title:         "Linux file basics",
				EstimatedTime: 20,
				Description: "Work with files from the shell.\n\n" +
					"1. Create a file named `notes.txt` in your home directory.\n" +
					"2. List the directory with `ls -la`.\n",
				Questions: []QuestionConfig{
					{
						ID:       1,
						Question: "Create a file named `notes.txt`.",
						Hint:     "touch creates empty files.",
						Solution: "touch notes.txt",
						Expect:   "notes.txt",
					},
					{
						ID:       2,
						Question: "Which command lists hidden files?",
						Answers: []AnswerConfig{
							{ID: 21, Content: "ls"},
							{ID: 22, Content: "ls -la", Right: true},
							{ID: 23, Content: "cd -"},
						},
					},
				},
			},
		},
	}
}

// LoadConfig reads the YAML file at path on top of the defaults. A missing
// file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if !KnownScenario(cfg.Stream.Scenario) {
		return nil, fmt.Errorf("%s: unknown scenario %q", path, cfg.Stream.Scenario)
	}
	return cfg, nil
}

func (l LabConfig) enrolled(userID int64) bool {
	if len(l.Enrolled) == 0 {
		return true
	}
	for _, id := range l.Enrolled {
		if id == userID {
			return true
		}
	}
	return false
}

func (l LabConfig) question(id int64) (QuestionConfig, bool) {
	for _, q := range l.Questions {
		if q.ID == id {
			return q, true
		}
	}
	return QuestionConfig{}, false
}

// Lab returns the lab with id.
func (c *Config) Lab(id int64) (LabConfig, bool) {
	for _, l := range c.Labs {
		if l.ID == id {
			return l, true
		}
	}
	return LabConfig{}, false
}
