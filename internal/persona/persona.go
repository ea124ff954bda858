// Package persona holds the static table of assistant modes. Adding a mode is a single
// entry in the modes table; the table is checked when the package is initialized.
package persona

import (
	"fmt"
	"time"
)

// ID identifies a mode
type ID string

const (
	Default   ID = "default"
	DeepThink ID = "deepthink"
	Expert    ID = "expert"
	Coder     ID = "coder"
)

// Sampling holds the request parameters a mode sends with every completion
type Sampling struct {
	Temperature float64
	MaxTokens   int
}

// Hints are presentation details for the UI layer
type Hints struct {
	Icon          string
	Description   string
	ThinkingSteps []string
	StepDelay     time.Duration
	TotalDelay    time.Duration
}

// Mode is an immutable persona definition
type Mode struct {
	ID           ID
	Title        string
	SystemPrompt string
	Sampling     Sampling
	Hints        Hints
}

var modes = []Mode{
	{
		ID:    Default,
		Title: "Default",
		SystemPrompt: "You are PAKNING R1, an AI assistant focused on providing helpful, accurate, and thoughtful responses. " +
			"Balance depth with efficiency, taking time to reason through complex problems but staying concise. " +
			"Structure your responses with clear formatting when appropriate, using markdown for headers, lists, and code blocks. " +
			"For complex or technical topics, show your reasoning process.",
		Sampling: Sampling{Temperature: 0.7, MaxTokens: 2000},
		Hints: Hints{
			Icon:        "balance-scale",
			Description: "Medium Reasoning Effort: Balanced depth and efficiency for well-thought-out responses.",
			ThinkingSteps: []string{
				"Analyzing request",
				"Gathering relevant information",
				"Organizing response structure",
				"Formulating detailed answer",
			},
			StepDelay:  600 * time.Millisecond,
			TotalDelay: 3 * time.Second,
		},
	},
	{
		ID:    DeepThink,
		Title: "DeepThink",
		SystemPrompt: "You are PAKNING R1 in DeepThink mode, an AI assistant that thoroughly analyzes problems before answering. " +
			"Take your time to think through all aspects of the question, exploring multiple perspectives and approaches. " +
			"Break down complex problems into parts and reason step by step. " +
			"Include your thought process in the response, organizing with clear headings and structure. " +
			"For technical or specialized topics, demonstrate expertise with precise terminology and in-depth analysis.",
		Sampling: Sampling{Temperature: 0.8, MaxTokens: 4000},
		Hints: Hints{
			Icon:        "brain",
			Description: "Maximum Reasoning Depth: Comprehensive analysis with detailed step-by-step reasoning.",
			ThinkingSteps: []string{
				"Analyzing request in depth",
				"Gathering comprehensive information",
				"Exploring multiple perspectives",
				"Identifying key concepts and relationships",
				"Structuring detailed analysis",
				"Checking for logical consistency",
				"Formulating comprehensive response",
			},
			StepDelay:  800 * time.Millisecond,
			TotalDelay: 5 * time.Second,
		},
	},
	{
		ID:    Expert,
		Title: "Expert",
		SystemPrompt: "You are PAKNING R1 in Expert mode. Answer as a senior domain specialist: be precise, cite the " +
			"assumptions you rely on, call out trade-offs and edge cases, and prefer concrete examples over general advice. " +
			"Use markdown headings and lists to keep long answers navigable.",
		Sampling: Sampling{Temperature: 0.5, MaxTokens: 3000},
		Hints: Hints{
			Icon:        "user-graduate",
			Description: "Expert Analysis: Precise, specialist-level answers with explicit assumptions.",
			ThinkingSteps: []string{
				"Identifying the domain",
				"Recalling specialist knowledge",
				"Checking assumptions",
				"Drafting precise answer",
			},
			StepDelay:  700 * time.Millisecond,
			TotalDelay: 4 * time.Second,
		},
	},
	{
		ID:    Coder,
		Title: "PnCoder",
		SystemPrompt: "You are PnCoder, the coding assistant of PAKNING R1. Write correct, idiomatic, production-ready code. " +
			"Always put code in fenced markdown blocks with the language tag, explain non-obvious decisions briefly, " +
			"and point out bugs or security issues you notice in code the user shares.",
		Sampling: Sampling{Temperature: 0.2, MaxTokens: 4000},
		Hints: Hints{
			Icon:        "code",
			Description: "Coding Assistant: Focused on writing and reviewing code.",
			ThinkingSteps: []string{
				"Reading the code request",
				"Planning the implementation",
				"Writing code",
				"Reviewing for bugs",
			},
			StepDelay:  500 * time.Millisecond,
			TotalDelay: 2500 * time.Millisecond,
		},
	},
}

var byID map[ID]Mode

func init() {
	if err := validate(modes); err != nil {
		panic(err)
	}
	byID = make(map[ID]Mode, len(modes))
	for _, m := range modes {
		byID[m.ID] = m
	}
}

func validate(table []Mode) error {
	if len(table) == 0 {
		return fmt.Errorf("persona table is empty")
	}
	seen := make(map[ID]bool, len(table))
	for i, m := range table {
		if m.ID == "" {
			return fmt.Errorf("persona %d has no id", i)
		}
		if seen[m.ID] {
			return fmt.Errorf("duplicate persona id %q", m.ID)
		}
		seen[m.ID] = true
		if m.SystemPrompt == "" {
			return fmt.Errorf("persona %q has an empty system prompt", m.ID)
		}
		if m.Sampling.Temperature < 0 || m.Sampling.Temperature > 2 {
			return fmt.Errorf("persona %q temperature %.2f out of range [0,2]", m.ID, m.Sampling.Temperature)
		}
		if m.Sampling.MaxTokens <= 0 {
			return fmt.Errorf("persona %q max tokens must be positive", m.ID)
		}
	}
	return nil
}

// Lookup returns the mode with the given id
func Lookup(id ID) (Mode, bool) {
	m, ok := byID[id]
	return m, ok
}

// Get returns the mode with the given id, or the default mode when the id is unknown
func Get(id ID) Mode {
	if m, ok := byID[id]; ok {
		return m
	}
	return byID[Default]
}

// Parse converts user input into a known mode id
func Parse(s string) (ID, error) {
	id := ID(s)
	if _, ok := byID[id]; !ok {
		return "", fmt.Errorf("unknown mode: %s", s)
	}
	return id, nil
}

// All returns every mode in table order
func All() []Mode {
	out := make([]Mode, len(modes))
	copy(out, modes)
	return out
}

// Next returns the mode after id in table order, wrapping around
func Next(id ID) ID {
	for i, m := range modes {
		if m.ID == id {
			return modes[(i+1)%len(modes)].ID
		}
	}
	return Default
}
