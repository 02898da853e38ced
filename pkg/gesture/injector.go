package gesture

import (
	"math/rand"
	"strings"
	"sync"

	"github.com/clipperhouse/uax29/v2/words"
)

// Speed levels for gesture execution.
const (
	SpeedSlow = "slow"
	SpeedMed  = "med"
	SpeedFast = "fast"
)

// recentWindow bounds the anti-repetition memory.
const recentWindow = 20

// patternRule maps a trigger vocabulary to the categories it suggests.
// Matching is on Unicode word boundaries, not substrings, so "high" never
// triggers the "hi" greeting rule.
type patternRule struct {
	keywords   map[string]bool
	categories []Category
}

func keywordSet(words ...string) map[string]bool {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

var patternRules = []patternRule{
	{keywordSet("hi", "hello", "hey", "howdy", "greetings", "sup"), []Category{Social}},
	{keywordSet("goodbye", "bye", "later", "farewell"), []Category{Social}},
	{keywordSet("excited", "awesome", "great", "amazing", "wonderful", "fantastic", "love", "yay", "woohoo"), []Category{Celebration, Movement}},
	{keywordSet("thinking", "consider", "ponder", "hmm", "think", "wondering"), []Category{Reactions, Observation}},
	{keywordSet("happy", "glad", "pleased", "delighted", "joyful", "cheerful"), []Category{Celebration, Emotional}},
	{keywordSet("sad", "sorry", "unfortunate", "apologize", "regret"), []Category{Emotional}},
	{keywordSet("curious", "interesting", "wonder", "what", "why", "how"), []Category{Observation}},
	{keywordSet("ready", "prepared", "confident", "sure", "definitely"), []Category{Functional, Advanced}},
	{keywordSet("move", "go", "come", "approach", "forward", "back"), []Category{Movement}},
}

var fastWords = keywordSet("excited", "quick", "fast", "hurry", "urgent", "wow", "woah")
var slowWords = keywordSet("calm", "slow", "think", "ponder", "consider", "hmm", "peaceful")

// Injector selects context-appropriate gestures for a piece of assistant
// or user text. One Injector is shared by the AI core and speech
// synthesis; it is safe for concurrent use.
type Injector struct {
	mu     sync.Mutex
	rng    *rand.Rand
	recent []string
}

// NewInjector creates an Injector seeded from seed; tests pass a fixed
// seed for reproducible selection.
func NewInjector(seed int64) *Injector {
	return &Injector{rng: rand.New(rand.NewSource(seed))}
}

// tokenize lowercases text and splits it on Unicode word boundaries.
func tokenize(text string) map[string]bool {
	set := make(map[string]bool)
	tokens := words.FromString(strings.ToLower(text))
	for tokens.Next() {
		tok := strings.TrimSpace(tokens.Value())
		if tok != "" {
			set[tok] = true
		}
	}
	return set
}

// DetectSpeed maps text sentiment to a gesture speed.
func DetectSpeed(text string) string {
	toks := tokenize(text)
	for w := range toks {
		if fastWords[w] {
			return SpeedFast
		}
	}
	for w := range toks {
		if slowWords[w] {
			return SpeedSlow
		}
	}
	return SpeedMed
}

// Inject returns between min and max "name:speed" gesture strings chosen
// for text: pattern-matched categories first, the full catalog when
// nothing matches, with recently used names avoided for variety.
func (inj *Injector) Inject(text string, min, max int) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	speed := DetectSpeed(text)
	toks := tokenize(text)
	question := strings.Contains(text, "?")

	var pool []string
	seen := make(map[string]bool)
	addCategory := func(c Category) {
		for _, name := range Catalog[c] {
			if !seen[name] {
				seen[name] = true
				pool = append(pool, name)
			}
		}
	}
	for _, rule := range patternRules {
		for w := range toks {
			if rule.keywords[w] {
				for _, c := range rule.categories {
					addCategory(c)
				}
				break
			}
		}
	}
	if question {
		addCategory(Observation)
		addCategory(Reactions)
	}
	if len(pool) == 0 {
		pool = AllNames()
	}

	inj.mu.Lock()
	defer inj.mu.Unlock()

	fresh := pool[:0:0]
	for _, name := range pool {
		if !inj.recentlyUsed(name) {
			fresh = append(fresh, name)
		}
	}
	// Over-filtered: fall back to the whole catalog rather than repeat a
	// thin matched pool.
	if len(fresh) < max {
		fresh = AllNames()
	}
	inj.rng.Shuffle(len(fresh), func(i, j int) {
		fresh[i], fresh[j] = fresh[j], fresh[i]
	})

	count := min
	if max > min {
		count = min + inj.rng.Intn(max-min+1)
	}
	if count > len(fresh) {
		count = len(fresh)
	}

	out := make([]string, 0, count)
	for _, name := range fresh[:count] {
		out = append(out, name+":"+speed)
		inj.remember(name)
	}
	return out
}

func (inj *Injector) recentlyUsed(name string) bool {
	for _, r := range inj.recent {
		if r == name {
			return true
		}
	}
	return false
}

func (inj *Injector) remember(name string) {
	inj.recent = append(inj.recent, name)
	if len(inj.recent) > recentWindow {
		inj.recent = inj.recent[len(inj.recent)-recentWindow:]
	}
}
