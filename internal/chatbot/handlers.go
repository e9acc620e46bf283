package chatbot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"archiflow/internal/domain"
	"archiflow/internal/engine"
	"archiflow/internal/repo"
)

// SearchLimit caps the number of contracts listed in one search reply.
const SearchLimit = 15

// maxDays bounds day counts taken from model output before they become ints.
const maxDays = math.MaxInt32

const nonCompeteClause = "Non-compete clause: During the term of this contract and for 12 months after its termination, " +
	"the Client shall not directly engage, solicit or contract the Architect's employees or subcontractors assigned to this project " +
	"without the Architect's prior written consent."

const greetingText = "Hello! I'm your contract assistant. I can create, search, update and delete contracts, " +
	"show contract statistics and list contracts that are about to expire. How can I help you?"

// Contracts is the contract store the handlers act on.
type Contracts interface {
	CreateContract(ctx context.Context, opts engine.ContractCreateOptions) (domain.Contract, error)
	UpdateContractField(ctx context.Context, id, field, value string) (domain.Contract, error)
	FindContract(ctx context.Context, searchBy, searchValue string) (domain.Contract, error)
	DeleteContract(ctx context.Context, id string) error
	SearchContracts(ctx context.Context, term, status string) (engine.SearchResult, error)
	Stats(ctx context.Context) (engine.Stats, error)
	ExpiringContracts(ctx context.Context, days int) ([]domain.Contract, error)
	AppendDescription(ctx context.Context, id, note string) (domain.Contract, error)
}

type ReplyKind int

const (
	ReplyMessage ReplyKind = iota
	ReplyError
)

func (k ReplyKind) String() string {
	if k == ReplyError {
		return "error"
	}
	return "message"
}

// Reply is what the pipeline delivers for one utterance.
type Reply struct {
	Kind   ReplyKind
	Text   string
	Intent Intent
}

func message(format string, args ...any) Reply {
	return Reply{Kind: ReplyMessage, Text: fmt.Sprintf(format, args...)}
}

func failure(format string, args ...any) Reply {
	return Reply{Kind: ReplyError, Text: fmt.Sprintf(format, args...)}
}

type handlerFunc func(ctx context.Context, store Contracts, cmd command) Reply

type command struct {
	payload    map[string]any
	selectedID string
}

var handlers = map[Intent]handlerFunc{
	IntentCreateContract:    handleCreate,
	IntentSearchContracts:   handleSearch,
	IntentUpdateContract:    handleUpdate,
	IntentDeleteContract:    handleDelete,
	IntentContractStats:     handleStats,
	IntentExpiringContracts: handleExpiring,
	IntentPaymentTerms:      handlePaymentTerms,
	IntentNonCompete:        handleNonCompete,
	IntentGeneral:           handleGeneral,
}

func helpText() string {
	var b strings.Builder
	b.WriteString("Sorry, I didn't understand that request. I can help you with:\n")
	for _, spec := range catalog {
		fmt.Fprintf(&b, "- %s: %s\n", spec.Intent, spec.Usage)
	}
	return strings.TrimRight(b.String(), "\n")
}

func handleCreate(ctx context.Context, store Contracts, cmd command) Reply {
	client := cmd.str("client_name")
	if client == "" {
		return failure("Client name is required to create a contract.")
	}
	opts := engine.ContractCreateOptions{
		ID:          cmd.str("contract_id"),
		ClientName:  client,
		StartDate:   cmd.str("start_date"),
		EndDate:     cmd.str("end_date"),
		Status:      cmd.str("status"),
		Description: cmd.str("description"),
	}
	if v, ok := cmd.num("value"); ok {
		opts.Value = &v
	}
	c, err := store.CreateContract(ctx, opts)
	if err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return failure("A contract with ID %s already exists.", opts.ID)
		}
		return storeFailure(err, "create the contract")
	}
	return message("Contract created successfully!\nID: %s\nClient: %s\nPeriod: %s to %s\nValue: %s\nStatus: %s",
		c.ID, c.ClientName, c.StartDate, c.EndDate, FormatMoney(c.Value), c.Status)
}

func handleUpdate(ctx context.Context, store Contracts, cmd command) Reply {
	field := cmd.str("field")
	value, hasValue := cmd.payload["value"]
	if field == "" || !hasValue || value == nil {
		return failure("Please specify which field to update and its new value.")
	}
	newValue := cmd.str("value")
	if !isUpdatableField(field) {
		return failure("Unknown field '%s'. Supported fields: %s.", field, strings.Join(engine.UpdatableFields(), ", "))
	}

	id := cmd.str("contract_id")
	if id == "" {
		if by, val := cmd.str("search_by"), cmd.str("search_value"); by != "" && val != "" {
			found, err := store.FindContract(ctx, by, val)
			if err != nil {
				if engine.IsNotFound(err) {
					return failure("No contract found with %s '%s'.", by, val)
				}
				return storeFailure(err, "find the contract")
			}
			id = found.ID
		}
	}
	if id == "" {
		id = cmd.selectedID
	}
	if id == "" {
		return failure("Please specify which contract to update: give its ID, a field to search by, or select a contract.")
	}
	c, err := store.UpdateContractField(ctx, id, field, newValue)
	if err != nil {
		if engine.IsNotFound(err) {
			return failure("Contract %s not found.", id)
		}
		return storeFailure(err, "update the contract")
	}
	name := strings.ToLower(strings.TrimSpace(field))
	shown := newValue
	if name == "value" || name == "amount" {
		shown = FormatMoney(c.Value)
	}
	return message("Contract %s updated: %s is now %s.", c.ID, name, shown)
}

func isUpdatableField(field string) bool {
	name := strings.ToLower(strings.TrimSpace(field))
	if name == "amount" {
		return true
	}
	for _, f := range engine.UpdatableFields() {
		if f == name {
			return true
		}
	}
	return false
}

func handleDelete(ctx context.Context, store Contracts, cmd command) Reply {
	id := cmd.str("contract_id")
	if id == "" {
		return failure("Please specify the ID of the contract to delete.")
	}
	if err := store.DeleteContract(ctx, id); err != nil {
		if engine.IsNotFound(err) {
			return failure("Contract %s not found.", id)
		}
		return storeFailure(err, "delete the contract")
	}
	return message("Contract %s deleted successfully.", id)
}

func handleSearch(ctx context.Context, store Contracts, cmd command) Reply {
	term := cmd.str("search_term")
	status := cmd.str("status")
	res, err := store.SearchContracts(ctx, term, status)
	if err != nil {
		return storeFailure(err, "search contracts")
	}
	if len(res.Matches) == 0 {
		return message("No contracts found matching %s.", describeCriteria(term, status))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d contract(s) matching %s:\n", len(res.Matches), describeCriteria(term, status))
	shown := res.Matches
	if len(shown) > SearchLimit {
		shown = shown[:SearchLimit]
	}
	for _, c := range shown {
		b.WriteString(contractLine(c))
		b.WriteByte('\n')
	}
	if len(res.Matches) > SearchLimit {
		fmt.Fprintf(&b, "Showing first %d of %d contracts.\n", SearchLimit, len(res.Matches))
	}
	fmt.Fprintf(&b, "Total value: %s", FormatMoney(res.TotalValue))
	return message("%s", b.String())
}

func describeCriteria(term, status string) string {
	var parts []string
	if term != "" {
		parts = append(parts, fmt.Sprintf("'%s'", term))
	}
	if status != "" {
		parts = append(parts, fmt.Sprintf("status '%s'", status))
	}
	if len(parts) == 0 {
		return "your criteria"
	}
	return strings.Join(parts, " with ")
}

func handleStats(ctx context.Context, store Contracts, _ command) Reply {
	st, err := store.Stats(ctx)
	if err != nil {
		return storeFailure(err, "compute statistics")
	}
	var b strings.Builder
	b.WriteString("Contract statistics:\n")
	fmt.Fprintf(&b, "Total contracts: %d\n", st.Count)
	fmt.Fprintf(&b, "Total value: %s\n", FormatMoney(st.TotalValue))
	for _, s := range []string{domain.StatusActive, domain.StatusCompleted, domain.StatusPending} {
		fmt.Fprintf(&b, "%s: %d\n", s, countStatus(st.ByStatus, s))
	}
	if len(st.ByStatus) > 0 {
		b.WriteString("\nBy status:\n")
		keys := make([]string, 0, len(st.ByStatus))
		for k := range st.ByStatus {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %d\n", k, st.ByStatus[k])
		}
	}
	return message("%s", strings.TrimRight(b.String(), "\n"))
}

func countStatus(byStatus map[string]int, status string) int {
	n := 0
	for k, v := range byStatus {
		if strings.EqualFold(k, status) {
			n += v
		}
	}
	return n
}

func handleExpiring(ctx context.Context, store Contracts, cmd command) Reply {
	days := engine.DefaultExpiringDays
	if v, ok := cmd.num("days"); ok && v > 0 && v <= maxDays {
		days = int(v)
	}
	list, err := store.ExpiringContracts(ctx, days)
	if err != nil {
		return storeFailure(err, "list expiring contracts")
	}
	if len(list) == 0 {
		return message("No active contracts expiring in the next %d days.", days)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d active contract(s) expiring in the next %d days:\n", len(list), days)
	for _, c := range list {
		b.WriteString(contractLine(c))
		b.WriteByte('\n')
	}
	return message("%s", strings.TrimRight(b.String(), "\n"))
}

func handlePaymentTerms(ctx context.Context, store Contracts, cmd command) Reply {
	if cmd.selectedID == "" {
		return failure("Please select a contract first to modify its payment terms.")
	}
	v, ok := cmd.num("value")
	if !ok || v <= 0 || v > maxDays || v != math.Trunc(v) {
		return failure("Please provide a valid number of days for the payment terms.")
	}
	days := int(v)
	note := fmt.Sprintf("Payment terms: net %d days from invoice date.", days)
	if _, err := store.AppendDescription(ctx, cmd.selectedID, note); err != nil {
		if engine.IsNotFound(err) {
			return failure("Contract %s not found.", cmd.selectedID)
		}
		return storeFailure(err, "update the payment terms")
	}
	return message("Payment terms set to %d days for contract %s.", days, cmd.selectedID)
}

func handleNonCompete(ctx context.Context, store Contracts, cmd command) Reply {
	if cmd.selectedID == "" {
		return failure("Please select a contract first to add a non-compete clause.")
	}
	if _, err := store.AppendDescription(ctx, cmd.selectedID, nonCompeteClause); err != nil {
		if engine.IsNotFound(err) {
			return failure("Contract %s not found.", cmd.selectedID)
		}
		return storeFailure(err, "add the non-compete clause")
	}
	return message("Non-compete clause added to contract %s.", cmd.selectedID)
}

func handleGeneral(_ context.Context, _ Contracts, cmd command) Reply {
	if resp := cmd.str("response"); resp != "" {
		return message("%s", resp)
	}
	return message("%s", greetingText)
}

// storeFailure turns an engine or store error into a user-facing reply.
func storeFailure(err error, action string) Reply {
	if ve, ok := engine.AsValidation(err); ok {
		switch ve.Code {
		case engine.CodeUnknownField:
			return failure("Unknown field '%s'. Supported fields: %s.", ve.Field, strings.Join(engine.UpdatableFields(), ", "))
		case engine.CodeInvalidValue:
			return failure("Invalid value format. Please provide a number.")
		case engine.CodeInvalidDate:
			return failure("Invalid date format. Please use YYYY-MM-DD.")
		case engine.CodeInvalidRange:
			return failure("End date must be after start date.")
		default:
			return failure("Could not %s: %s.", action, ve.Message)
		}
	}
	return failure("Could not %s: %v", action, err)
}

func contractLine(c domain.Contract) string {
	return fmt.Sprintf("- %s | %s | %s | %s | %s to %s", c.ID, c.ClientName, c.Status, FormatMoney(c.Value), c.StartDate, c.EndDate)
}

// FormatMoney renders an amount as dollars with thousands separators and
// two decimals, e.g. $12,500.50.
func FormatMoney(v float64) string {
	if v < 0 {
		return "-$" + humanize.FormatFloat("#,###.##", -v)
	}
	return "$" + humanize.FormatFloat("#,###.##", v)
}

func (c command) str(key string) string {
	switch v := c.payload[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}

func (c command) num(key string) (float64, bool) {
	switch v := c.payload[key].(type) {
	case float64:
		return v, true
	case string:
		f, err := engine.ParseAmount(v)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
