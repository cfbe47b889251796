package shopmesh

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/hupe1980/shopmesh/core"
	"github.com/hupe1980/shopmesh/handler"
	"github.com/hupe1980/shopmesh/model"
)

var (
	utteranceLine = regexp.MustCompile(`(?m)^Utterance: (.*)$`)
	shopperLine   = regexp.MustCompile(`(?m)^Shopper: (.*)$`)
	avoidPhrase   = regexp.MustCompile(`(?i)\bi (?:hate|don't like|do not like|can't eat|cannot eat|avoid) ([a-z][a-z -]*)`)
	preferPhrase  = regexp.MustCompile(`(?i)\bi (?:love|like|prefer|always buy) ([a-z][a-z -]*)`)
	chatOpeners   = []string{"hi", "hello", "hey", "thanks", "thank you", "how", "what can", "who", "why"}
)

// NewDemoModel returns an offline model that routes with the built-in order
// parser and a few keyword rules. It lets New work without provider
// credentials and is meant for demos and local development.
func NewDemoModel() *model.MockModel {
	return model.NewMockModel("shopmesh-demo", func(o *model.MockOptions) {
		o.Handler = demoReply
	})
}

func demoReply(req model.Request) (string, error) {
	prompt := req.LastUserText()
	if m := utteranceLine.FindStringSubmatch(prompt); m != nil {
		return demoRoute(m[1])
	}
	text := prompt
	if m := shopperLine.FindStringSubmatch(prompt); m != nil {
		text = m[1]
	}
	return demoChat(text), nil
}

type demoDecision struct {
	Handlers     []string           `json:"handlers"`
	Confidence   float64            `json:"confidence"`
	Order        *core.OrderIntent  `json:"order,omitempty"`
	Observations []core.Observation `json:"observations,omitempty"`
	Reason       string             `json:"reason"`
}

func demoRoute(text string) (string, error) {
	d := demoDecision{Observations: demoObservations(text)}
	lower := strings.ToLower(strings.TrimSpace(text))

	switch intent, ok := handler.ParseOrderIntent(text); {
	case ok:
		d.Handlers, d.Confidence, d.Order, d.Reason = []string{"order"}, 0.9, &intent, "cart operation"
	case isSmallTalk(lower) || len(d.Observations) > 0:
		d.Handlers, d.Confidence, d.Reason = []string{"chat"}, 0.7, "conversation"
	default:
		d.Handlers, d.Confidence, d.Reason = []string{"search"}, 0.8, "product lookup"
	}

	out, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func isSmallTalk(lower string) bool {
	for _, p := range chatOpeners {
		if strings.HasPrefix(lower+" ", p+" ") {
			return true
		}
	}
	return false
}

func demoObservations(text string) []core.Observation {
	var obs []core.Observation
	add := func(kind core.RelationshipKind, phrase string) {
		target := strings.Join(strings.Fields(strings.ToLower(phrase)), "-")
		if target != "" {
			obs = append(obs, core.Observation{Kind: kind, TargetID: target, TargetType: core.EntityProduct})
		}
	}
	if m := avoidPhrase.FindStringSubmatch(text); m != nil {
		add(core.Avoids, m[1])
	} else if m := preferPhrase.FindStringSubmatch(text); m != nil {
		add(core.Prefers, m[1])
	}
	if strings.Contains(strings.ToLower(text), "budget") || strings.Contains(strings.ToLower(text), "cheap") {
		obs = append(obs, core.Observation{Kind: core.PriceSensitive, TargetID: "price", TargetType: core.EntityCategory})
	}
	return obs
}

func demoChat(text string) string {
	lower := strings.ToLower(text)
	switch {
	case avoidPhrase.MatchString(text):
		return "Got it, I'll keep that out of your suggestions."
	case preferPhrase.MatchString(text):
		return "Noted, I'll favour that when you search."
	case strings.HasPrefix(lower, "thank"):
		return "You're welcome! Anything else for your basket?"
	default:
		return fmt.Sprintf("Happy to help with %q. Try asking me to find a product or add something to your cart.", strings.TrimSpace(text))
	}
}
