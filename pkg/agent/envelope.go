package agent

import (
	"encoding/json"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"coe/pkg/protocol"
)

// envelope is the structured reply agents are asked to produce.
type envelope struct {
	Content    string               `json:"content" yaml:"content"`
	Confidence *float64             `json:"confidence" yaml:"confidence"`
	TokensUsed int                  `json:"tokens_used" yaml:"tokens_used"`
	Actions    []protocol.RawAction `json:"actions" yaml:"actions"`
}

var fenceRe = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*\\n(.*?)\\n?```$")

// ParseResponse turns raw process output into a Response. A JSON envelope
// (optionally fenced) is preferred, then a YAML envelope carrying actions;
// anything else is plain content. Malformed actions are dropped and
// returned as errors.
func ParseResponse(stdout string) (protocol.Response, []error) {
	text := strings.TrimSpace(stdout)
	body := text
	if m := fenceRe.FindStringSubmatch(text); m != nil {
		body = strings.TrimSpace(m[1])
	}

	var env envelope
	switch {
	case strings.HasPrefix(body, "{") && json.Unmarshal([]byte(body), &env) == nil:
	case looksLikeYAMLEnvelope(body) && yaml.Unmarshal([]byte(body), &env) == nil:
	default:
		return protocol.Response{Content: text}, nil
	}

	actions, errs := protocol.ParseActions(env.Actions)
	return protocol.Response{
		Content:    env.Content,
		Confidence: env.Confidence,
		TokensUsed: env.TokensUsed,
		Actions:    actions,
	}, errs
}

func looksLikeYAMLEnvelope(s string) bool {
	return strings.HasPrefix(s, "content:") || strings.HasPrefix(s, "actions:") ||
		strings.Contains(s, "\nactions:")
}
