// Package filter decides which entries of a scanned directory tree
// participate in a patch, via an ordered chain of path-glob and size
// rules applied by scan.Scanner as it walks the old and new trees.
package filter

import "patcher/internal/manifest"

// Rule is a single include or exclude rule in a Chain.
type Rule struct {
	Pattern *compiledPattern
	Include bool // true=include, false=exclude
}

// Chain holds an ordered list of filter rules plus size bounds. Rules are
// evaluated first match wins, in the order they were added by --exclude,
// --include, and a --filter file.
type Chain struct {
	rules   []Rule
	minSize int64
	maxSize int64
}

// NewChain creates an empty filter chain. An empty chain matches every
// entry (Empty reports true until a rule or size bound is added).
func NewChain() *Chain {
	return &Chain{}
}

// AddExclude adds an exclude rule for the given pattern.
func (c *Chain) AddExclude(pattern string) error {
	cp, err := compilePattern(pattern)
	if err != nil {
		return err
	}
	c.rules = append(c.rules, Rule{Pattern: cp, Include: false})
	return nil
}

// AddInclude adds an include rule for the given pattern.
func (c *Chain) AddInclude(pattern string) error {
	cp, err := compilePattern(pattern)
	if err != nil {
		return err
	}
	c.rules = append(c.rules, Rule{Pattern: cp, Include: true})
	return nil
}

// SetMinSize sets the minimum file size filter.
func (c *Chain) SetMinSize(n int64) {
	c.minSize = n
}

// SetMaxSize sets the maximum file size filter.
func (c *Chain) SetMaxSize(n int64) {
	c.maxSize = n
}

// Empty reports whether the chain has no rules and no size bounds, i.e.
// every scanned entry would be kept.
func (c *Chain) Empty() bool {
	return len(c.rules) == 0 && c.minSize == 0 && c.maxSize == 0
}

// Matches reports whether e should be kept in the scan that feeds the
// planner. Size bounds only constrain KindFile entries — a directory
// carries no size a --min-size/--max-size bound could mean anything by.
func (c *Chain) Matches(e manifest.Entry) bool {
	isDir := e.Kind == manifest.KindDir

	if !isDir {
		if c.minSize > 0 && e.Size < c.minSize {
			return false
		}
		if c.maxSize > 0 && e.Size > c.maxSize {
			return false
		}
	}

	for _, rule := range c.rules {
		if rule.Pattern.match(e.RelPath, isDir) {
			return rule.Include
		}
	}

	// No rule matched: keep the entry.
	return true
}
