// Package match implements the subject-matching engine: an interest trie
// keyed by subject token, with wildcard support (`*` single-token, `>`
// tail) and a whole-result match cache.
//
// Interest trie
// -------------
// Matching is done using an interest trie: a tree of nodes, each level
// processing one token of a subject. Subscribing to "A.B.C" walks/creates
// nodes A -> B -> C and attaches the subscription record at C. The `*` and
// `>` wildcards get their own dedicated child slot at each node, tried
// alongside (not instead of) the literal-token child.
//
// The `>` wildcard fires unconditionally once its node is reached, with no
// further check against the remaining tokens — but it is only ever reached
// by a recursive call that is already processing some current token, which
// is exactly what keeps "A.B.>" from matching the bare subject "A.B": the
// `>` child lives one level below "B", and a published "A.B" never recurses
// past "B" to look at it.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package match

import (
	"strings"
	"sync"

	"github.com/OneOfOne/xxhash"

	"github.com/richard-shepherd/MessagingMesh/cmn/debug"
	"github.com/richard-shepherd/MessagingMesh/cmn/xerrors"
)

const (
	tokenStar        = "*"
	tokenGreaterThan = ">"
)

// OwnerKey identifies the socket that owns a subscription record; it is the
// socket's process-unique id.
type OwnerKey uint64

// Record is what one subscription contributes at its trie terminal node.
type Record struct {
	SubscriptionID uint32
	OwnerKey       OwnerKey
	Target         any // concrete recipient (service package's socket handle)
}

type node struct {
	children map[string]*node
	star     *node
	gt       *node
	subs     map[OwnerKey]Record
}

func newNode() *node { return &node{} }

func (n *node) childFor(token string) (*node, bool) {
	if n.children == nil {
		return nil, false
	}
	c, ok := n.children[token]
	return c, ok
}

func (n *node) getOrCreateChild(token string) *node {
	if n.children == nil {
		n.children = make(map[string]*node)
	}
	c, ok := n.children[token]
	if !ok {
		c = newNode()
		n.children[token] = c
	}
	return c
}

func (n *node) empty() bool {
	return len(n.subs) == 0 && len(n.children) == 0 && n.star == nil && n.gt == nil
}

// Engine is one service's subject-matching engine. It is owned by that
// service's single event-loop thread (§5 of the design: no locks needed on
// the trie itself); the mutex guards only the match cache map.
type Engine struct {
	root *node

	cachingEnabled bool
	cache          map[uint64][]Record
	mu             sync.Mutex // guards cache only
}

// NewEngine creates a matching engine with caching enabled by default.
func NewEngine() *Engine {
	return &Engine{root: newNode(), cachingEnabled: true, cache: make(map[uint64][]Record)}
}

// EnableCaching turns the match cache on or off.
func (e *Engine) EnableCaching(on bool) {
	e.cachingEnabled = on
	e.invalidateCache()
}

// Tokenize splits a subject by '.'. Tokenizing "" yields no tokens;
// tokenizing "..." yields three empty tokens.
func Tokenize(subject string) []string {
	if subject == "" {
		return nil
	}
	tokens := strings.Split(subject, ".")
	// A trailing '.' ends the last token rather than starting a new one.
	if len(tokens) > 1 && tokens[len(tokens)-1] == "" {
		tokens = tokens[:len(tokens)-1]
	}
	return tokens
}

// ValidatePattern rejects publish subjects containing wildcard tokens and
// subscription patterns with a `>` anywhere but the last token.
func ValidatePattern(pattern string, allowWildcards bool) error {
	tokens := Tokenize(pattern)
	if len(tokens) == 0 {
		return xerrors.New(xerrors.PolicyViolation, "empty subject")
	}
	for i, tok := range tokens {
		switch tok {
		case tokenStar:
			if !allowWildcards {
				return xerrors.New(xerrors.PolicyViolation, "wildcard in publish subject %q", pattern)
			}
		case tokenGreaterThan:
			if !allowWildcards {
				return xerrors.New(xerrors.PolicyViolation, "wildcard in publish subject %q", pattern)
			}
			if i != len(tokens)-1 {
				return xerrors.New(xerrors.PolicyViolation, "'>' must be the last token in %q", pattern)
			}
		}
	}
	return nil
}

// AddSubscription inserts a subscription and returns the number of
// subscription records now present at the terminal node for this pattern.
// A second add from the same owner at the same node replaces the first.
func (e *Engine) AddSubscription(pattern string, subscriptionID uint32, owner OwnerKey, target any) (int, error) {
	if err := ValidatePattern(pattern, true); err != nil {
		return 0, err
	}
	n := e.getOrCreateNode(pattern)
	if n.subs == nil {
		n.subs = make(map[OwnerKey]Record)
	}
	n.subs[owner] = Record{SubscriptionID: subscriptionID, OwnerKey: owner, Target: target}
	e.invalidateCache()
	return len(n.subs), nil
}

// RemoveSubscription removes a subscription and returns the number of
// subscription records remaining at that pattern's terminal node.
func (e *Engine) RemoveSubscription(pattern string, owner OwnerKey) (int, error) {
	if err := ValidatePattern(pattern, true); err != nil {
		return 0, err
	}
	n := e.getOrCreateNode(pattern)
	delete(n.subs, owner)
	e.invalidateCache()
	return len(n.subs), nil
}

// RemoveAllForOwner recursively purges every record keyed by owner from the
// entire trie, including wildcard subtrees (I4).
func (e *Engine) RemoveAllForOwner(owner OwnerKey) {
	removeAllForOwner(e.root, owner)
	e.invalidateCache()
}

func removeAllForOwner(n *node, owner OwnerKey) {
	delete(n.subs, owner)
	for _, c := range n.children {
		removeAllForOwner(c, owner)
	}
	if n.star != nil {
		removeAllForOwner(n.star, owner)
	}
	if n.gt != nil {
		removeAllForOwner(n.gt, owner)
	}
}

// Match returns every subscription record whose pattern matches subject
// under the wildcard rules (I1).
func (e *Engine) Match(subject string) ([]Record, error) {
	if err := ValidatePattern(subject, false); err != nil {
		return nil, err
	}

	var key uint64
	if e.cachingEnabled {
		key = xxhash.ChecksumString64(subject)
		e.mu.Lock()
		if cached, ok := e.cache[key]; ok {
			e.mu.Unlock()
			return cached, nil
		}
		e.mu.Unlock()
	}

	tokens := Tokenize(subject)
	var results []Record
	matchNode(e.root, tokens, 0, &results)

	if e.cachingEnabled {
		e.mu.Lock()
		e.cache[key] = results
		e.mu.Unlock()
	}
	return results, nil
}

// matchNode implements the normative matching algorithm of spec §4.4: check
// the literal and `*` children for the current token (recursing, or adding
// records if this is the last token), and unconditionally add the `>`
// child's records if one exists at this node.
func matchNode(n *node, tokens []string, i int, results *[]Record) {
	lastIndex := len(tokens) - 1
	tok := tokens[i]

	if child, ok := n.childFor(tok); ok {
		if i == lastIndex {
			addRecords(child, results)
		} else {
			matchNode(child, tokens, i+1, results)
		}
	}

	if n.gt != nil {
		addRecords(n.gt, results)
	}

	if n.star != nil {
		if i == lastIndex {
			addRecords(n.star, results)
		} else {
			matchNode(n.star, tokens, i+1, results)
		}
	}
}

func addRecords(n *node, results *[]Record) {
	for _, r := range n.subs {
		*results = append(*results, r)
	}
}

// getOrCreateNode walks (creating as needed) the trie for pattern's tokens.
func (e *Engine) getOrCreateNode(pattern string) *node {
	n := e.root
	for _, tok := range Tokenize(pattern) {
		switch tok {
		case tokenStar:
			if n.star == nil {
				n.star = newNode()
			}
			n = n.star
		case tokenGreaterThan:
			if n.gt == nil {
				n.gt = newNode()
			}
			n = n.gt
		default:
			n = n.getOrCreateChild(tok)
		}
	}
	return n
}

func (e *Engine) invalidateCache() {
	if !e.cachingEnabled {
		return
	}
	e.mu.Lock()
	e.cache = make(map[uint64][]Record)
	e.mu.Unlock()
}

// PruneEmpty walks the whole trie once, deleting child links that lead only
// to empty subtrees (§9's recommended background prune pass, run
// periodically by the hk package so a long-running gateway doesn't
// accumulate memory proportional to historical subject cardinality).
func (e *Engine) PruneEmpty() {
	pruneNode(e.root)
	e.invalidateCache()
}

// pruneNode reports whether n itself is now empty and can be dropped by its
// parent.
func pruneNode(n *node) bool {
	for tok, c := range n.children {
		if pruneNode(c) {
			delete(n.children, tok)
		}
	}
	if n.star != nil && pruneNode(n.star) {
		n.star = nil
	}
	if n.gt != nil && pruneNode(n.gt) {
		n.gt = nil
	}
	debug.Assert(n != nil, "prune visited nil node")
	return n.empty()
}
