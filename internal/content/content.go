// Package content loads the copy, quick prompts, and reply rules of the studio page.
package content

import (
	"bytes"
	_ "embed"
	"fmt"
	"html/template"
	"os"
	"strings"

	"github.com/yuin/goldmark"
	"gopkg.in/yaml.v3"

	"github.com/ashureev/agentic-studio/internal/reply"
)

//go:embed studio.yaml
var defaultYAML []byte

// Action is a hero button that prefills the console.
type Action struct {
	Label  string `yaml:"label" json:"label"`
	Style  string `yaml:"style" json:"style"`
	Prompt string `yaml:"prompt" json:"prompt"`
}

// Hero is the top section of the page.
type Hero struct {
	Badge    string   `yaml:"badge" json:"badge"`
	Headline string   `yaml:"headline" json:"headline"`
	Lede     string   `yaml:"lede" json:"lede"`
	Actions  []Action `yaml:"actions" json:"actions"`
}

// Console is the copy around the chat widget.
type Console struct {
	Title       string `yaml:"title" json:"title"`
	Tagline     string `yaml:"tagline" json:"tagline"`
	Placeholder string `yaml:"placeholder" json:"placeholder"`
	SubmitLabel string `yaml:"submit_label" json:"submit_label"`
	Greeting    string `yaml:"greeting" json:"greeting"`
}

// Card is a titled block whose body is markdown.
type Card struct {
	Title string        `yaml:"title" json:"title"`
	Body  string        `yaml:"body" json:"body"`
	HTML  template.HTML `yaml:"-" json:"-"`
}

// Section is a heading followed by cards.
type Section struct {
	Heading string `yaml:"heading" json:"heading"`
	Items   []Card `yaml:"items" json:"items"`
}

// Page is everything the studio page renders.
type Page struct {
	Title        string          `yaml:"title" json:"title"`
	Description  string          `yaml:"description" json:"description"`
	Hero         Hero            `yaml:"hero" json:"hero"`
	Console      Console         `yaml:"console" json:"console"`
	QuickPrompts []string        `yaml:"quick_prompts" json:"quick_prompts"`
	Features     Section         `yaml:"features" json:"features"`
	Timeline     Section         `yaml:"timeline" json:"timeline"`
	Footer       string          `yaml:"footer" json:"footer"`
	Rules        []reply.RuleDef `yaml:"rules,omitempty" json:"-"`
	Fallback     string          `yaml:"fallback,omitempty" json:"-"`
}

// Default returns the built-in page.
func Default() (*Page, error) {
	return Parse(defaultYAML)
}

// Load reads a page from path, or the built-in page when path is empty.
func Load(path string) (*Page, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read content file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, validates, and renders a page from YAML.
func Parse(data []byte) (*Page, error) {
	var p Page
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	if len(p.Rules) == 0 {
		p.Rules = reply.DefaultRuleDefs()
	}
	if p.Fallback == "" {
		p.Fallback = reply.DefaultResponse
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid content: %w", err)
	}
	if err := p.Render(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the fields the console cannot work without.
func (p *Page) Validate() error {
	if strings.TrimSpace(p.Title) == "" {
		return fmt.Errorf("title cannot be empty")
	}
	if strings.TrimSpace(p.Console.Greeting) == "" {
		return fmt.Errorf("console greeting cannot be empty")
	}
	if strings.TrimSpace(p.Fallback) == "" {
		return fmt.Errorf("fallback reply cannot be empty")
	}
	if len(p.Rules) == 0 {
		return fmt.Errorf("at least one reply rule is required")
	}
	for i, a := range p.Hero.Actions {
		if strings.TrimSpace(a.Prompt) == "" {
			return fmt.Errorf("hero action %d has no prompt", i)
		}
	}
	return nil
}

// Render converts card bodies from markdown to HTML.
// Raw HTML in the source is dropped by the renderer.
func (p *Page) Render() error {
	md := goldmark.New()
	for _, sec := range []*Section{&p.Features, &p.Timeline} {
		for i := range sec.Items {
			var buf bytes.Buffer
			if err := md.Convert([]byte(sec.Items[i].Body), &buf); err != nil {
				return fmt.Errorf("render %q: %w", sec.Items[i].Title, err)
			}
			sec.Items[i].HTML = template.HTML(buf.String()) //nolint:gosec // goldmark omits raw HTML unless WithUnsafe is set.
		}
	}
	return nil
}

// Selector compiles the page's reply rules.
func (p *Page) Selector() (*reply.Selector, error) {
	rules, err := reply.CompileRules(p.Rules)
	if err != nil {
		return nil, err
	}
	return reply.NewSelector(rules, p.Fallback)
}
