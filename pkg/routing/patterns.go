package routing

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// PatternType selects how a Pattern value is interpreted.
type PatternType string

const (
	// PatternKeyword matches a word or phrase on word boundaries, ignoring case.
	PatternKeyword PatternType = "keyword"
	// PatternRegex matches a raw regular expression.
	PatternRegex PatternType = "regex"
)

// Pattern is one matchable rule.
type Pattern struct {
	Type  PatternType
	Value string
}

// Keyword returns a keyword pattern.
func Keyword(value string) Pattern {
	return Pattern{Type: PatternKeyword, Value: value}
}

// PatternError reports an unusable pattern.
type PatternError struct {
	Pattern Pattern
	Reason  string
}

func (e *PatternError) Error() string {
	return fmt.Sprintf("invalid %s pattern %q: %s", e.Pattern.Type, e.Pattern.Value, e.Reason)
}

// PatternMatcher evaluates patterns against text, caching compiled
// expressions and recent results.
type PatternMatcher struct {
	compiled map[Pattern]*regexp.Regexp
	results  *LRUCache
	mu       sync.RWMutex
}

// NewPatternMatcher creates a matcher whose result cache holds cacheSize entries.
func NewPatternMatcher(cacheSize int) *PatternMatcher {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	return &PatternMatcher{
		compiled: make(map[Pattern]*regexp.Regexp),
		results:  NewLRUCache(cacheSize),
	}
}

// Match reports whether p matches text. Invalid patterns never match.
func (pm *PatternMatcher) Match(p Pattern, text string) bool {
	cacheKey := string(p.Type) + "\x00" + p.Value + "\x00" + text
	if cached, found := pm.results.Get(cacheKey); found {
		return cached.(bool)
	}

	re, err := pm.Compile(p)
	if err != nil {
		return false
	}
	result := re.MatchString(text)
	pm.results.Put(cacheKey, result)
	return result
}

// MatchAny returns the first pattern in ps that matches text.
func (pm *PatternMatcher) MatchAny(ps []Pattern, text string) (Pattern, bool) {
	for _, p := range ps {
		if pm.Match(p, text) {
			return p, true
		}
	}
	return Pattern{}, false
}

// Compile returns the compiled expression for p.
func (pm *PatternMatcher) Compile(p Pattern) (*regexp.Regexp, error) {
	pm.mu.RLock()
	if re, ok := pm.compiled[p]; ok {
		pm.mu.RUnlock()
		return re, nil
	}
	pm.mu.RUnlock()

	var expr string
	switch p.Type {
	case PatternKeyword:
		if strings.TrimSpace(p.Value) == "" {
			return nil, &PatternError{Pattern: p, Reason: "empty keyword"}
		}
		expr = keywordToRegex(p.Value)
	case PatternRegex:
		if err := validateRegexSafety(p.Value); err != nil {
			return nil, &PatternError{Pattern: p, Reason: err.Error()}
		}
		expr = p.Value
	default:
		return nil, &PatternError{Pattern: p, Reason: "unknown pattern type"}
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, &PatternError{Pattern: p, Reason: err.Error()}
	}

	pm.mu.Lock()
	pm.compiled[p] = re
	pm.mu.Unlock()
	return re, nil
}

// ClearCache drops compiled patterns and cached results.
func (pm *PatternMatcher) ClearCache() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.compiled = make(map[Pattern]*regexp.Regexp)
	pm.results.Clear()
}

// keywordToRegex matches the phrase case-insensitively on word boundaries.
// Internal whitespace matches any run of spaces.
func keywordToRegex(keyword string) string {
	words := strings.Fields(keyword)
	for i, w := range words {
		words[i] = regexp.QuoteMeta(w)
	}
	return `(?i)\b` + strings.Join(words, `\s+`) + `\b`
}

func validateRegexSafety(pattern string) error {
	if len(pattern) > 1000 {
		return fmt.Errorf("exceeds 1000 characters")
	}
	if hasNestedQuantifiers(pattern) {
		return fmt.Errorf("contains nested quantifiers")
	}
	if countAlternations(pattern) > 100 {
		return fmt.Errorf("exceeds 100 alternation branches")
	}
	if hasExcessiveQuantifiers(pattern) {
		return fmt.Errorf("exceeds quantifier repetition limits")
	}
	return nil
}

var nestedQuantifierPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\([^)]*[+*]\)[+*]`),
	regexp.MustCompile(`\([^)]*\{[^}]+\}\)[+*]`),
}

func hasNestedQuantifiers(pattern string) bool {
	for _, np := range nestedQuantifierPatterns {
		if np.MatchString(pattern) {
			return true
		}
	}
	return false
}

func countAlternations(pattern string) int {
	count := 1
	depth := 0
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '(':
			depth++
		case ')':
			depth--
		case '|':
			if depth == 0 {
				count++
			}
		case '\\':
			i++
		}
	}
	return count
}

var repetitionPattern = regexp.MustCompile(`\{(\d+)(?:,(\d+))?\}`)

func hasExcessiveQuantifiers(pattern string) bool {
	for _, match := range repetitionPattern.FindAllStringSubmatch(pattern, -1) {
		for _, bound := range match[1:] {
			if bound == "" {
				continue
			}
			if n, err := strconv.Atoi(bound); err != nil || n > 1000 {
				return true
			}
		}
	}
	return false
}

// LRUCache is a fixed-capacity least-recently-used cache.
type LRUCache struct {
	capacity int
	cache    map[string]*cacheEntry
	head     *cacheEntry
	tail     *cacheEntry
	mu       sync.Mutex
}

type cacheEntry struct {
	key   string
	value interface{}
	prev  *cacheEntry
	next  *cacheEntry
}

// NewLRUCache creates a cache holding at most capacity entries.
func NewLRUCache(capacity int) *LRUCache {
	if capacity < 1 {
		capacity = 1
	}
	return &LRUCache{
		capacity: capacity,
		cache:    make(map[string]*cacheEntry),
	}
}

func (c *LRUCache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.cache[key]; ok {
		c.moveToFront(entry)
		return entry.value, true
	}
	return nil, false
}

func (c *LRUCache) Put(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.cache[key]; ok {
		entry.value = value
		c.moveToFront(entry)
		return
	}

	entry := &cacheEntry{key: key, value: value}
	c.cache[key] = entry
	c.addToFront(entry)

	if len(c.cache) > c.capacity {
		c.evictLRU()
	}
}

// Len returns the number of cached entries.
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}

func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]*cacheEntry)
	c.head = nil
	c.tail = nil
}

func (c *LRUCache) moveToFront(entry *cacheEntry) {
	if entry == c.head {
		return
	}
	c.unlink(entry)
	c.addToFront(entry)
}

func (c *LRUCache) addToFront(entry *cacheEntry) {
	entry.prev = nil
	entry.next = c.head
	if c.head != nil {
		c.head.prev = entry
	}
	c.head = entry
	if c.tail == nil {
		c.tail = entry
	}
}

func (c *LRUCache) unlink(entry *cacheEntry) {
	if entry.prev != nil {
		entry.prev.next = entry.next
	} else {
		c.head = entry.next
	}
	if entry.next != nil {
		entry.next.prev = entry.prev
	} else {
		c.tail = entry.prev
	}
	entry.prev = nil
	entry.next = nil
}

func (c *LRUCache) evictLRU() {
	if c.tail == nil {
		return
	}
	victim := c.tail
	c.unlink(victim)
	delete(c.cache, victim.key)
}
