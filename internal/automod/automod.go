// Package automod implements the content filters run against every guild message.
//
// Each filter is a pure function returning a Violation and true when the
// message breaks the rule. Run evaluates filters in the given order and
// stops at the first violation.
package automod

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/rivo/uniseg"
	"github.com/robalyx/botfleet/internal/database/types"
	"golang.org/x/text/cases"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// FilterKind identifies an auto-moderation rule.
type FilterKind string

const (
	FilterLinks       FilterKind = types.FilterLinks
	FilterWords       FilterKind = types.FilterWords
	FilterMassCaps    FilterKind = types.FilterMassCaps
	FilterMassMention FilterKind = types.FilterMassMention
)

// minCapsLength is the length a message must exceed before caps are checked.
const minCapsLength = 5

// mentionPattern matches a user mention, optionally in nickname form.
var mentionPattern = regexp.MustCompile(`<@!?[0-9]{18}>`)

// Violation describes why a message was rejected.
type Violation struct {
	Filter  FilterKind
	Message string
}

// Validator checks content against one rule.
type Validator func(content string, cfg *types.AutoModConfig) (Violation, bool)

var validators = map[FilterKind]Validator{
	FilterLinks:       BannedLink,
	FilterWords:       BannedWord,
	FilterMassCaps:    MassCaps,
	FilterMassMention: MassMention,
}

// Lookup returns the validator for a filter kind.
func Lookup(kind FilterKind) (Validator, bool) {
	v, ok := validators[kind]
	return v, ok
}

// Filters returns the configured filters in order, skipping unknown names.
func Filters(cfg *types.AutoModConfig) []FilterKind {
	kinds := make([]FilterKind, 0, len(cfg.Filters))
	for _, name := range cfg.Filters {
		if _, ok := validators[FilterKind(name)]; ok {
			kinds = append(kinds, FilterKind(name))
		}
	}

	return kinds
}

// Run evaluates filters in order and returns the first violation.
func Run(content string, cfg *types.AutoModConfig, filters []FilterKind) (Violation, bool) {
	for _, kind := range filters {
		validate, ok := validators[kind]
		if !ok {
			continue
		}

		if v, violated := validate(content, cfg); violated {
			return v, true
		}
	}

	return Violation{}, false
}

// BannedLink matches configured link substrings exactly as written.
func BannedLink(content string, cfg *types.AutoModConfig) (Violation, bool) {
	for _, link := range cfg.BanLinks {
		if link != "" && strings.Contains(content, link) {
			return Violation{Filter: FilterLinks, Message: "Message contains banned links."}, true
		}
	}

	return Violation{}, false
}

// BannedWord matches whole words against the deny-list ignoring case.
func BannedWord(content string, cfg *types.AutoModConfig) (Violation, bool) {
	if len(cfg.BanWords) == 0 {
		return Violation{}, false
	}

	banned := make(map[string]struct{}, len(cfg.BanWords))
	for _, word := range cfg.BanWords {
		banned[foldWord(word)] = struct{}{}
	}

	for _, word := range strings.Fields(content) {
		if _, ok := banned[foldWord(word)]; ok {
			return Violation{Filter: FilterWords, Message: "Message contains banned words."}, true
		}
	}

	return Violation{}, false
}

// MassCaps flags messages whose share of capital letters reaches threshold/10.
// Length is measured in grapheme clusters.
func MassCaps(content string, cfg *types.AutoModConfig) (Violation, bool) {
	length := uniseg.GraphemeClusterCount(content)
	if length <= minCapsLength {
		return Violation{}, false
	}

	capitals := 0
	for _, r := range content {
		if unicode.IsUpper(r) {
			capitals++
		}
	}

	if float64(capitals)/float64(length) >= float64(cfg.MassCapsThreshold)/10 {
		return Violation{Filter: FilterMassCaps, Message: "Message contains too many capital letters."}, true
	}

	return Violation{}, false
}

// MassMention flags messages containing at least threshold user mentions.
func MassMention(content string, cfg *types.AutoModConfig) (Violation, bool) {
	count := len(mentionPattern.FindAllStringIndex(content, -1))
	if count >= cfg.MassMentionThreshold {
		return Violation{Filter: FilterMassMention, Message: "Message contains too many mentions."}, true
	}

	return Violation{}, false
}

// foldWord normalizes a word for case-insensitive comparison.
// A new transformer is built per call since casers are not safe for concurrent use.
func foldWord(word string) string {
	folded, _, err := transform.String(transform.Chain(norm.NFC, cases.Fold()), word)
	if err != nil {
		return strings.ToLower(word)
	}

	return folded
}
