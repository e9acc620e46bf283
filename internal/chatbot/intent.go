package chatbot

import "strings"

// Intent is the "type" of a parsed model command.
type Intent string

const (
	IntentCreateContract    Intent = "create_contract"
	IntentSearchContracts   Intent = "search_contracts"
	IntentUpdateContract    Intent = "update_contract"
	IntentDeleteContract    Intent = "delete_contract"
	IntentContractStats     Intent = "get_contract_stats"
	IntentExpiringContracts Intent = "expiring_contracts"
	IntentPaymentTerms      Intent = "payment_terms"
	IntentNonCompete        Intent = "non_compete_clause"
	IntentGeneral           Intent = "general"
)

type intentSpec struct {
	Intent  Intent
	Usage   string
	Example string
}

// catalog is the closed intent set, in the order the prompt presents it.
var catalog = []intentSpec{
	{
		Intent:  IntentCreateContract,
		Usage:   "create a new contract",
		Example: `{"type": "create_contract", "client_name": "ABC Corp", "start_date": "2025-01-01", "end_date": "2025-12-31", "value": 50000, "status": "Draft", "description": "Office renovation design"}`,
	},
	{
		Intent:  IntentSearchContracts,
		Usage:   "find contracts by text and/or status",
		Example: `{"type": "search_contracts", "search_term": "ABC", "status": "Active"}`,
	},
	{
		Intent:  IntentUpdateContract,
		Usage:   "change one field of a contract (client_name, status, description, value, start_date, end_date)",
		Example: `{"type": "update_contract", "contract_id": "CONT-123", "field": "status", "value": "Active"}`,
	},
	{
		Intent:  IntentDeleteContract,
		Usage:   "delete a contract",
		Example: `{"type": "delete_contract", "contract_id": "CONT-123"}`,
	},
	{
		Intent:  IntentContractStats,
		Usage:   "show contract statistics",
		Example: `{"type": "get_contract_stats"}`,
	},
	{
		Intent:  IntentExpiringContracts,
		Usage:   "list active contracts ending soon",
		Example: `{"type": "expiring_contracts", "days": 30}`,
	},
	{
		Intent:  IntentPaymentTerms,
		Usage:   "set payment terms in days on the selected contract",
		Example: `{"type": "payment_terms", "value": 30}`,
	},
	{
		Intent:  IntentNonCompete,
		Usage:   "add a non-compete clause to the selected contract",
		Example: `{"type": "non_compete_clause"}`,
	},
	{
		Intent:  IntentGeneral,
		Usage:   "anything else; answer in the response field",
		Example: `{"type": "general", "response": "Your answer here"}`,
	},
}

// Intents returns the supported intents in presentation order.
func Intents() []Intent {
	out := make([]Intent, len(catalog))
	for i, s := range catalog {
		out[i] = s.Intent
	}
	return out
}

// ParseIntent maps a raw "type" value onto the closed intent set.
func ParseIntent(s string) (Intent, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, spec := range catalog {
		if string(spec.Intent) == s {
			return spec.Intent, true
		}
	}
	return "", false
}
