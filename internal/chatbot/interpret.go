package chatbot

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

type InterpretationKind int

const (
	// KindConversational means the model answered in prose; Text is the reply.
	KindConversational InterpretationKind = iota
	// KindGreeting means a JSON object without a usable type.
	KindGreeting
	// KindCommand means Intent selects a handler and Payload holds its fields.
	KindCommand
	// KindUnknown means a type outside the supported set; Type holds it.
	KindUnknown
)

type Interpretation struct {
	Kind    InterpretationKind
	Intent  Intent
	Type    string
	Payload map[string]any
	Text    string
}

var fencedJSON = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")

// ExtractObject finds a JSON object in raw, trying the whole trimmed text,
// then the first ```json fenced block, then the span from the first '{' to
// the last '}'.
func ExtractObject(raw string) (map[string]any, bool) {
	if obj, ok := parseObject(strings.TrimSpace(raw)); ok {
		return obj, true
	}
	if m := fencedJSON.FindStringSubmatch(raw); m != nil {
		if obj, ok := parseObject(m[1]); ok {
			return obj, true
		}
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		if obj, ok := parseObject(raw[start : end+1]); ok {
			return obj, true
		}
	}
	return nil, false
}

func parseObject(s string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// Interpret classifies a model reply. Text that does not open with '{' or '['
// is taken as a conversational answer without any parse attempt, and so is
// anything from which no object can be extracted.
func Interpret(raw string) Interpretation {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
		return Interpretation{Kind: KindConversational, Text: raw}
	}
	obj, ok := ExtractObject(raw)
	if !ok {
		return Interpretation{Kind: KindConversational, Text: raw}
	}
	typ, present := typeOf(obj)
	if !present {
		return Interpretation{Kind: KindGreeting, Payload: obj}
	}
	intent, ok := ParseIntent(typ)
	if !ok {
		return Interpretation{Kind: KindUnknown, Type: typ, Payload: obj}
	}
	return Interpretation{Kind: KindCommand, Intent: intent, Type: typ, Payload: obj}
}

// typeOf returns the command type, reporting false for a missing, null,
// "null" or empty value.
func typeOf(obj map[string]any) (string, bool) {
	v, ok := obj["type"]
	if !ok || v == nil {
		return "", false
	}
	s, isString := v.(string)
	if !isString {
		s = fmt.Sprint(v)
	}
	s = strings.TrimSpace(s)
	if s == "" || s == "null" {
		return "", false
	}
	return s, true
}
