package segment

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Pair is a delimiter that must not be split while open. Weight is the
// weighted-length budget the pair adds to the force threshold while it is open.
type Pair struct {
	Open   string `yaml:"open"`
	Close  string `yaml:"close"`
	Weight int    `yaml:"weight"`
}

// Rules is the table-driven configuration of the segmenter.
type Rules struct {
	Pairs      []Pair   `yaml:"pairs"`
	Boundaries []string `yaml:"boundaries"`
	// HardLimit caps the weighted length of a single segment. Zero disables
	// the cap; rules files that omit it get DefaultHardLimit.
	HardLimit float64 `yaml:"hard_limit"`
}

const DefaultHardLimit = 150

// SoftPunctuation lists the trailing tokens TrimTrailing removes when a
// delivery path opts into stripping.
var SoftPunctuation = []string{",", "，"}

// DefaultRules returns the empirically tuned delimiter table. Code fences get
// the largest budget, book-title brackets the smallest.
func DefaultRules() Rules {
	return Rules{
		Pairs: []Pair{
			{Open: "(", Close: ")", Weight: 11},
			{Open: "（", Close: "）", Weight: 11},
			{Open: "[", Close: "]", Weight: 11},
			{Open: "【", Close: "】", Weight: 11},
			{Open: "{", Close: "}", Weight: 30},
			{Open: "《", Close: "》", Weight: 7},
			{Open: "『", Close: "』", Weight: 7},
			{Open: "「", Close: "」", Weight: 7},
			{Open: `"`, Close: `"`, Weight: 30},
			{Open: "“", Close: "”", Weight: 30},
			{Open: "'", Close: "'", Weight: 11},
			{Open: "‘", Close: "’", Weight: 11},
			{Open: "<|", Close: "|>", Weight: 22},
			{Open: "<｜", Close: "｜>", Weight: 22},
			{Open: "`", Close: "`", Weight: 11},
			{Open: "```", Close: "```", Weight: 60},
			{Open: "**", Close: "**", Weight: 11},
		},
		Boundaries: []string{
			",", "，", "。", "!", "！", "?", "？", ";", "；", ":", "：",
			"~", "--", "——", "...", "……", "\n", "\t", "\r",
		},
		HardLimit: DefaultHardLimit,
	}
}

// Validate reports table errors that would make scanning ambiguous.
func (r Rules) Validate() error {
	if len(r.Pairs) == 0 && len(r.Boundaries) == 0 {
		return errors.New("rules define no pairs and no boundaries")
	}
	if r.HardLimit < 0 {
		return errors.New("hard_limit must be >= 0")
	}
	opens := make(map[string]struct{}, len(r.Pairs))
	for i, p := range r.Pairs {
		if p.Open == "" || p.Close == "" {
			return fmt.Errorf("pair %d: open and close tokens are required", i)
		}
		if p.Weight <= 0 {
			return fmt.Errorf("pair %q: weight must be positive", p.Open)
		}
		if _, dup := opens[p.Open]; dup {
			return fmt.Errorf("pair %q: duplicate opening token", p.Open)
		}
		opens[p.Open] = struct{}{}
	}
	for _, b := range r.Boundaries {
		if b == "" {
			return errors.New("boundary tokens must not be empty")
		}
	}
	return nil
}

// LoadRules reads a YAML rules file. Sections the file omits keep their
// defaults, so a file may override only the weight table.
func LoadRules(path string) (Rules, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return DefaultRules(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("read rules file: %w", err)
	}
	return ParseRules(raw)
}

// ParseRules decodes YAML rules, filling omitted sections from DefaultRules.
func ParseRules(raw []byte) (Rules, error) {
	var file struct {
		Pairs      []Pair   `yaml:"pairs"`
		Boundaries []string `yaml:"boundaries"`
		HardLimit  *float64 `yaml:"hard_limit"`
	}
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return Rules{}, fmt.Errorf("parse rules: %w", err)
	}
	r := DefaultRules()
	if len(file.Pairs) > 0 {
		r.Pairs = file.Pairs
	}
	if len(file.Boundaries) > 0 {
		r.Boundaries = file.Boundaries
	}
	if file.HardLimit != nil {
		r.HardLimit = *file.HardLimit
	}
	if err := r.Validate(); err != nil {
		return Rules{}, err
	}
	return r, nil
}
