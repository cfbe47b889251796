package handler

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/hupe1980/shopmesh/core"
)

var numberWords = map[string]int{
	"a": 1, "an": 1, "one": 1, "single": 1, "two": 2, "pair": 2, "couple": 2,
	"three": 3, "four": 4, "five": 5, "six": 6, "seven": 7, "eight": 8,
	"nine": 9, "ten": 10, "eleven": 11, "twelve": 12, "dozen": 12,
	"thirteen": 13, "fourteen": 14, "fifteen": 15, "sixteen": 16,
	"seventeen": 17, "eighteen": 18, "nineteen": 19, "twenty": 20,
	"zero": 0, "none": 0,
}

var (
	addVerbs    = set("add", "put", "buy", "get", "grab", "want", "need", "take", "include")
	removeVerbs = set("remove", "delete", "drop", "discard")
	updateVerbs = set("set", "change", "update", "make", "adjust")
	// fillers are skipped between the quantity and the item name.
	fillers = set("of", "the", "item", "items", "some", "more", "another", "unit", "units",
		"piece", "pieces", "pack", "packs", "please", "me", "i", "d", "like", "would",
		"to", "my", "us", "also")
	// noise is dropped anywhere inside an item name.
	noise = set("quantity", "amount", "number", "please")
	// stops end the item name.
	stops = set("to", "into", "in", "from", "on", "please", "for", "cart", "basket", "and", "now")
)

func set(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

// ParseOrderIntent extracts a structured cart operation from free text. It
// recognizes add/put/buy, set/change/update ... to N, remove/delete/drop,
// clear/empty the cart and checkout/confirm/place order. Quantities may be
// digits or number words ("two", "a dozen", "half a dozen"). Item names are
// normalized to lower-case, dash-joined product ids.
func ParseOrderIntent(text string) (core.OrderIntent, bool) {
	toks := tokenize(text)
	if len(toks) == 0 {
		return core.OrderIntent{}, false
	}
	joined := " " + strings.Join(toks, " ") + " "

	switch {
	case containsAny(joined, " checkout ", " check out ", " confirm ", " place order ", " place my order ",
		" place the order ", " complete my order ", " complete the order ", " finish my order "):
		return core.OrderIntent{Op: core.OrderConfirm}, true
	case containsAny(joined, " remove everything ", " start over ", " remove all items "):
		return core.OrderIntent{Op: core.OrderClear}, true
	case containsAny(joined, " clear ", " empty "):
		if containsAny(joined, " cart ", " basket ", " everything ", " it ") {
			return core.OrderIntent{Op: core.OrderClear}, true
		}
	}

	for i, tok := range toks {
		switch {
		case tok == "take" && i+1 < len(toks) && toks[i+1] == "out":
			if item := itemName(toks[i+2:]); item != "" {
				return core.OrderIntent{Op: core.OrderRemove, ProductID: item}, true
			}
		case removeVerbs[tok]:
			if item := itemName(toks[i+1:]); item != "" {
				return core.OrderIntent{Op: core.OrderRemove, ProductID: item}, true
			}
		case updateVerbs[tok]:
			if intent, ok := parseUpdate(toks[i+1:]); ok {
				return intent, true
			}
		case addVerbs[tok]:
			qty, rest := quantity(skipFillers(toks[i+1:]))
			if item := itemName(rest); item != "" {
				return core.OrderIntent{Op: core.OrderAdd, ProductID: item, Quantity: qty}, true
			}
		}
	}
	return core.OrderIntent{}, false
}

// parseUpdate handles "<item> [quantity] to N" and "N <item>" forms.
func parseUpdate(toks []string) (core.OrderIntent, bool) {
	for j := len(toks) - 1; j > 0; j-- {
		if toks[j] != "to" {
			continue
		}
		qty, ok := number(toks[j+1:])
		if !ok {
			continue
		}
		if item := itemName(toks[:j]); item != "" {
			return core.OrderIntent{Op: core.OrderUpdate, ProductID: item, Quantity: qty}, true
		}
	}
	return core.OrderIntent{}, false
}

// quantity reads an optional leading quantity and defaults to 1.
func quantity(toks []string) (int, []string) {
	if len(toks) == 0 {
		return 1, toks
	}
	// "half a dozen"
	if len(toks) >= 3 && toks[0] == "half" && toks[2] == "dozen" {
		return 6, toks[3:]
	}
	// "a dozen", "a couple of", "a pair of"
	if len(toks) >= 2 && (toks[0] == "a" || toks[0] == "an") {
		if n, ok := numberWords[toks[1]]; ok && toks[1] != "a" && toks[1] != "an" {
			return n, toks[2:]
		}
	}
	if n, ok := number(toks[:1]); ok {
		rest := toks[1:]
		if len(rest) > 0 && rest[0] == "dozen" {
			return n * 12, rest[1:]
		}
		return n, rest
	}
	return 1, toks
}

func number(toks []string) (int, bool) {
	if len(toks) == 0 {
		return 0, false
	}
	if n, err := strconv.Atoi(toks[0]); err == nil {
		return n, true
	}
	if n, ok := numberWords[toks[0]]; ok {
		return n, true
	}
	return 0, false
}

func skipFillers(toks []string) []string {
	for len(toks) > 0 && fillers[toks[0]] {
		toks = toks[1:]
	}
	return toks
}

func itemName(toks []string) string {
	var words []string
	for _, tok := range toks {
		if noise[tok] || (len(words) == 0 && (fillers[tok] || stops[tok])) {
			continue
		}
		if len(words) > 0 && stops[tok] {
			break
		}
		if len(words) == 0 && numberWords[tok] > 0 && tok != "a" && tok != "an" {
			continue
		}
		if tok == "a" || tok == "an" {
			continue
		}
		words = append(words, tok)
	}
	return NormalizeProductID(strings.Join(words, " "))
}

// NormalizeProductID lower-cases s and joins its words with dashes.
func NormalizeProductID(s string) string {
	return strings.Join(tokenize(s), "-")
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_'
	})
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
