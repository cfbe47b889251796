package router

import (
	"fmt"
	"strings"

	"github.com/hupe1980/shopmesh/core"
	"github.com/hupe1980/shopmesh/internal/util"
)

const instructions = "You route the utterances of a grocery shopping assistant. " +
	"Reply with a single JSON object and nothing else."

var decisionSchema = util.SchemaOf(modelDecision{}).String()

var promptTemplate = util.MustParseTemplate("route", `Choose the handlers for the shopper's utterance.
Handlers:
- search: find products
- order: change the cart (add, update, remove, clear, confirm)
- chat: anything else

Utterance: {{.Text}}
{{if .Signal}}Delivery: {{.Signal}}
{{end}}Known preferences:
{{.Memory}}

If the shopper states a lasting preference ("I'm vegan", "I hate cilantro"),
list it under observations using kinds PREFERS, AVOIDS or PRICE_SENSITIVE.

Answer schema:
{{.Schema}}`)

func (r *Router) prompt(in core.TurnInput, mc core.MemoryContext) (string, error) {
	return promptTemplate.Render(map[string]any{
		"Text":   in.Text,
		"Signal": describe(in.Paralinguistic),
		"Memory": mc.Summary(r.opts.MemoryLines),
		"Schema": decisionSchema,
	})
}

func describe(f *core.ParalinguisticFeatures) string {
	if f.Empty() {
		return ""
	}
	var parts []string
	add := func(name string, v *float64) {
		if v != nil {
			parts = append(parts, fmt.Sprintf("%s=%.2f", name, *v))
		}
	}
	add("pace", f.Pace)
	add("urgency", f.Urgency)
	add("emphasis", f.Emphasis)
	if f.Tone != "" {
		parts = append(parts, "tone="+f.Tone)
	}
	return strings.Join(parts, ", ")
}
