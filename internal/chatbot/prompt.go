package chatbot

import (
	"fmt"
	"strings"
)

// Compose builds the single user message sent to the model. contextID is the
// contract currently selected by the caller and may be empty.
func Compose(text, contextID string) string {
	var b strings.Builder
	b.WriteString("You are the contract management assistant of an architecture office.\n")
	b.WriteString("Translate the user's request into exactly one JSON command.\n\n")
	fmt.Fprintf(&b, "User request: %q\n", strings.TrimSpace(text))
	if contextID != "" {
		fmt.Fprintf(&b, "Currently selected contract: %s (use it when the request does not name a contract)\n", contextID)
	} else {
		b.WriteString("No contract is currently selected.\n")
	}
	b.WriteString("\nSupported commands:\n")
	for i, spec := range catalog {
		fmt.Fprintf(&b, "%d. %s: %s\n   %s\n", i+1, spec.Intent, spec.Usage, spec.Example)
	}
	b.WriteString("\nTo update a contract without its ID, replace contract_id with \"search_by\" (a field name) and \"search_value\".\n")
	b.WriteString("Dates use the YYYY-MM-DD format. Leave out fields the user did not mention.\n")
	b.WriteString("Respond ONLY with the JSON object. Do not add explanations, markdown or any other text.")
	return b.String()
}
