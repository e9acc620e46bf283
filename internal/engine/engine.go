package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"archiflow/internal/domain"
	"archiflow/internal/events"
	"archiflow/internal/repo"
)

// DefaultExpiringDays is the look-ahead window used when none is given.
const DefaultExpiringDays = 30

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events *events.Bus
	Now    func() time.Time
	NewID  func() string
}

func New(db *sql.DB, bus *events.Bus) Engine {
	if bus == nil {
		bus = events.NewBus()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: bus,
		Now:    time.Now,
		NewID:  newContractID,
	}
}

func newContractID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return "CONT-" + strings.ToUpper(id.String())
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// today returns the current calendar date at UTC midnight.
func (e Engine) today() time.Time {
	t, _ := time.Parse(domain.DateLayout, e.now().Format(domain.DateLayout))
	return t
}

func (e Engine) publish(evtType, contractID, field string) {
	e.Events.Publish(domain.ChangeEvent{
		Type:       evtType,
		ContractID: contractID,
		Field:      field,
		TS:         e.now().UTC().Format(time.RFC3339),
	})
}

// ContractCreateOptions are parameters for creating a contract. Empty or
// unparsable dates and a nil or negative value fall back to defaults.
type ContractCreateOptions struct {
	ID          string
	ClientName  string
	StartDate   string
	EndDate     string
	Value       *float64
	Status      string
	Description string
}

func (e Engine) CreateContract(ctx context.Context, opts ContractCreateOptions) (domain.Contract, error) {
	client := strings.TrimSpace(opts.ClientName)
	if client == "" {
		return domain.Contract{}, newValidationError(CodeRequired, "client_name", "client name is required")
	}
	start, ok := parseDate(opts.StartDate)
	if !ok {
		start = e.today()
	}
	end, ok := parseDate(opts.EndDate)
	if !ok {
		end = start.AddDate(1, 0, 0)
	}
	if !end.After(start) {
		return domain.Contract{}, newValidationError(CodeInvalidRange, "end_date",
			fmt.Sprintf("end date %s must be after start date %s", end.Format(domain.DateLayout), start.Format(domain.DateLayout)))
	}
	value := 0.0
	if opts.Value != nil {
		if math.IsNaN(*opts.Value) || math.IsInf(*opts.Value, 0) {
			return domain.Contract{}, newValidationError(CodeInvalidValue, "value", "value must be a finite number")
		}
		if *opts.Value > 0 {
			value = *opts.Value
		}
	}
	status := strings.TrimSpace(opts.Status)
	if status == "" {
		status = domain.StatusDraft
	}
	desc := strings.TrimSpace(opts.Description)
	if desc == "" {
		desc = "Contract for " + client
	}
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		if e.NewID != nil {
			id = e.NewID()
		} else {
			id = newContractID()
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	c := domain.Contract{
		ID:          id,
		ClientName:  client,
		StartDate:   start.Format(domain.DateLayout),
		EndDate:     end.Format(domain.DateLayout),
		Value:       value,
		Status:      status,
		Description: desc,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.AddContract(ctx, c); err != nil {
		return domain.Contract{}, fmt.Errorf("insert contract: %w", err)
	}
	e.publish(domain.EventContractCreated, c.ID, "")
	return c, nil
}

// Updatable contract fields. "amount" is accepted as an alias of "value".
var updatableFields = []string{"client_name", "status", "description", "value", "start_date", "end_date"}

// UpdatableFields lists the field names UpdateContractField accepts.
func UpdatableFields() []string {
	return append([]string(nil), updatableFields...)
}

func normalizeField(field string) (string, bool) {
	f := strings.ToLower(strings.TrimSpace(field))
	if f == "amount" {
		f = "value"
	}
	for _, known := range updatableFields {
		if f == known {
			return f, true
		}
	}
	return f, false
}

// UpdateContractField sets exactly one field of a stored contract. The field
// name and the value format are checked before the contract is looked up.
func (e Engine) UpdateContractField(ctx context.Context, id, field, value string) (domain.Contract, error) {
	name, ok := normalizeField(field)
	if !ok {
		return domain.Contract{}, newValidationError(CodeUnknownField, field,
			fmt.Sprintf("unknown field %q; supported fields: %s", field, strings.Join(updatableFields, ", ")))
	}
	value = strings.TrimSpace(value)
	var (
		amount float64
		date   string
	)
	switch name {
	case "client_name", "status":
		if value == "" {
			return domain.Contract{}, newValidationError(CodeRequired, name, strings.ReplaceAll(name, "_", " ")+" is required")
		}
	case "value":
		v, err := ParseAmount(value)
		if err != nil {
			return domain.Contract{}, err
		}
		amount = v
	case "start_date", "end_date":
		d, ok := parseDate(value)
		if !ok {
			return domain.Contract{}, newValidationError(CodeInvalidDate, name,
				fmt.Sprintf("invalid date %q; expected YYYY-MM-DD", value))
		}
		date = d.Format(domain.DateLayout)
	}
	c, err := e.Repo.GetContract(ctx, id)
	if err != nil {
		return domain.Contract{}, fmt.Errorf("contract %s: %w", id, err)
	}
	switch name {
	case "client_name":
		c.ClientName = value
	case "status":
		c.Status = value
	case "description":
		c.Description = value
	case "value":
		c.Value = amount
	case "start_date", "end_date":
		start, end := c.StartDate, c.EndDate
		if name == "start_date" {
			start = date
		} else {
			end = date
		}
		if end <= start {
			return domain.Contract{}, newValidationError(CodeInvalidRange, name,
				fmt.Sprintf("end date %s must be after start date %s", end, start))
		}
		c.StartDate, c.EndDate = start, end
	}
	c.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateContract(ctx, c); err != nil {
		return domain.Contract{}, fmt.Errorf("update contract %s: %w", id, err)
	}
	e.publish(domain.EventContractUpdated, c.ID, name)
	return c, nil
}

var amountPattern = regexp.MustCompile(`^(\d+(\.\d*)?|\.\d+)$`)

// ParseAmount parses a non-negative decimal amount, tolerating a leading
// currency sign and thousands separators. NaN, infinities, exponents and hex
// floats are rejected.
func ParseAmount(s string) (float64, error) {
	cleaned := strings.TrimSpace(s)
	cleaned = strings.TrimPrefix(cleaned, "$")
	cleaned = strings.TrimPrefix(cleaned, "€")
	cleaned = strings.TrimSpace(strings.ReplaceAll(cleaned, ",", ""))
	invalid := newValidationError(CodeInvalidValue, "value", fmt.Sprintf("invalid amount %q", s))
	if !amountPattern.MatchString(cleaned) {
		return 0, invalid
	}
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || !validAmount(v) {
		return 0, invalid
	}
	return v, nil
}

func validAmount(v float64) bool {
	return v >= 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

// FindContract scans contracts newest first and returns the first whose
// searchBy field equals searchValue, ignoring case. Duplicates are not
// reported.
func (e Engine) FindContract(ctx context.Context, searchBy, searchValue string) (domain.Contract, error) {
	get, ok := fieldGetter(searchBy)
	if !ok {
		return domain.Contract{}, newValidationError(CodeUnknownField, searchBy,
			fmt.Sprintf("cannot search by %q", searchBy))
	}
	all, err := e.Repo.ListContracts(ctx)
	if err != nil {
		return domain.Contract{}, err
	}
	want := strings.TrimSpace(searchValue)
	for _, c := range all {
		if strings.EqualFold(get(c), want) {
			return c, nil
		}
	}
	return domain.Contract{}, fmt.Errorf("contract with %s %q: %w", searchBy, searchValue, repo.ErrNotFound)
}

func fieldGetter(field string) (func(domain.Contract) string, bool) {
	switch strings.ToLower(strings.TrimSpace(field)) {
	case "id", "contract_id":
		return func(c domain.Contract) string { return c.ID }, true
	case "client_name", "client":
		return func(c domain.Contract) string { return c.ClientName }, true
	case "status":
		return func(c domain.Contract) string { return c.Status }, true
	case "description":
		return func(c domain.Contract) string { return c.Description }, true
	case "value", "amount":
		return func(c domain.Contract) string { return strconv.FormatFloat(c.Value, 'f', -1, 64) }, true
	case "start_date":
		return func(c domain.Contract) string { return c.StartDate }, true
	case "end_date":
		return func(c domain.Contract) string { return c.EndDate }, true
	}
	return nil, false
}

func (e Engine) GetContract(ctx context.Context, id string) (domain.Contract, error) {
	c, err := e.Repo.GetContract(ctx, id)
	if err != nil {
		return domain.Contract{}, fmt.Errorf("contract %s: %w", id, err)
	}
	return c, nil
}

func (e Engine) ListContracts(ctx context.Context) ([]domain.Contract, error) {
	return e.Repo.ListContracts(ctx)
}

func (e Engine) DeleteContract(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return newValidationError(CodeRequired, "contract_id", "contract id is required")
	}
	if err := e.Repo.DeleteContract(ctx, id); err != nil {
		return fmt.Errorf("contract %s: %w", id, err)
	}
	e.publish(domain.EventContractDeleted, id, "")
	return nil
}

// AppendDescription adds note on a new line after the existing description.
func (e Engine) AppendDescription(ctx context.Context, id, note string) (domain.Contract, error) {
	c, err := e.Repo.GetContract(ctx, id)
	if err != nil {
		return domain.Contract{}, fmt.Errorf("contract %s: %w", id, err)
	}
	if strings.TrimSpace(c.Description) == "" {
		c.Description = note
	} else {
		c.Description = strings.TrimRight(c.Description, "\n") + "\n\n" + note
	}
	c.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateContract(ctx, c); err != nil {
		return domain.Contract{}, fmt.Errorf("update contract %s: %w", id, err)
	}
	e.publish(domain.EventContractUpdated, c.ID, "description")
	return c, nil
}

type SearchResult struct {
	Matches    []domain.Contract
	TotalValue float64
}

// SearchContracts matches term as a case-insensitive substring of id, client
// name or description, and status as a case-insensitive exact match. Empty
// criteria match everything.
func (e Engine) SearchContracts(ctx context.Context, term, status string) (SearchResult, error) {
	all, err := e.Repo.ListContracts(ctx)
	if err != nil {
		return SearchResult{}, err
	}
	term = strings.ToLower(strings.TrimSpace(term))
	status = strings.TrimSpace(status)
	var res SearchResult
	for _, c := range all {
		if status != "" && !strings.EqualFold(c.Status, status) {
			continue
		}
		if term != "" &&
			!strings.Contains(strings.ToLower(c.ID), term) &&
			!strings.Contains(strings.ToLower(c.ClientName), term) &&
			!strings.Contains(strings.ToLower(c.Description), term) {
			continue
		}
		res.Matches = append(res.Matches, c)
		res.TotalValue += c.Value
	}
	return res, nil
}

type Stats struct {
	TotalValue float64
	Count      int
	ByStatus   map[string]int
}

func (e Engine) Stats(ctx context.Context) (Stats, error) {
	total, err := e.Repo.TotalValue(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("total value: %w", err)
	}
	byStatus, err := e.Repo.CountByStatus(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("count by status: %w", err)
	}
	st := Stats{TotalValue: total, ByStatus: byStatus}
	for _, n := range byStatus {
		st.Count += n
	}
	return st, nil
}

// ExpiringContracts returns Active contracts whose end date falls within
// [today, today+days], soonest first. days <= 0 uses DefaultExpiringDays.
func (e Engine) ExpiringContracts(ctx context.Context, days int) ([]domain.Contract, error) {
	if days <= 0 {
		days = DefaultExpiringDays
	}
	all, err := e.Repo.ListContracts(ctx)
	if err != nil {
		return nil, err
	}
	today := e.today()
	limit := today.AddDate(0, 0, days)
	var res []domain.Contract
	for _, c := range all {
		if !strings.EqualFold(c.Status, domain.StatusActive) {
			continue
		}
		end, err := c.End()
		if err != nil {
			continue
		}
		if end.Before(today) || end.After(limit) {
			continue
		}
		res = append(res, c)
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].EndDate < res[j].EndDate })
	return res, nil
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(domain.DateLayout, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// IsNotFound reports whether err wraps repo.ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}
