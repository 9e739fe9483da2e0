package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const recordColumns = `id, action_type, performed_by, target_role_id, target_permission_id, target_principal_id,
	old_value_json, new_value_json, ip_address, user_agent, created_at`

// ErrRecordNotFound is returned when no audit record has the requested ID
var ErrRecordNotFound = errors.New("audit record not found")

// Stats summarises the records matching a filter
type Stats struct {
	TotalRecords     int64                `json:"total_records"`
	RecordsByAction  map[ActionType]int64 `json:"records_by_action"`
	UniquePerformers int64                `json:"unique_performers"`
}

const (
	// DefaultSearchLimit applies when a filter sets no limit
	DefaultSearchLimit = 100
	// MaxSearchLimit caps one Search page
	MaxSearchLimit = 1000
)

// DBSink appends records to the audit_records table. It never updates or
// deletes rows.
type DBSink struct {
	db *sql.DB
}

// NewDBSink creates a database sink
func NewDBSink(db *sql.DB) (*DBSink, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &DBSink{db: db}, nil
}

// Append inserts rec
func (s *DBSink) Append(ctx context.Context, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_records (
			action_type, performed_by, target_role_id, target_permission_id, target_principal_id,
			old_value_json, new_value_json, ip_address, user_agent, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		string(rec.ActionType), rec.PerformedBy, rec.TargetRoleID, rec.TargetPermissionID, rec.TargetPrincipalID,
		nullJSON(rec.OldValue), nullJSON(rec.NewValue), rec.IPAddress, rec.UserAgent, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

// Search returns records matching filter, newest first
func (s *DBSink) Search(ctx context.Context, filter Filter) ([]Record, error) {
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	query := `SELECT ` + recordColumns + ` FROM audit_records` + where(filter, arg)

	limit := filter.Limit
	if limit <= 0 || limit > MaxSearchLimit {
		limit = DefaultSearchLimit
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT " + arg(limit)
	if filter.Offset > 0 {
		query += " OFFSET " + arg(filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// Get returns the record with id
func (s *DBSink) Get(ctx context.Context, id int64) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM audit_records WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Stats counts the records matching filter. Limit and Offset are ignored.
func (s *DBSink) Stats(ctx context.Context, filter Filter) (*Stats, error) {
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	clause := where(filter, arg)

	stats := &Stats{RecordsByAction: make(map[ActionType]int64)}
	rows, err := s.db.QueryContext(ctx,
		`SELECT action_type, COUNT(*) FROM audit_records`+clause+` GROUP BY action_type`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count audit records: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			action string
			count  int64
		)
		if err := rows.Scan(&action, &count); err != nil {
			return nil, fmt.Errorf("failed to scan audit record count: %w", err)
		}
		stats.RecordsByAction[ActionType(action)] = count
		stats.TotalRecords += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to count audit records: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT performed_by) FROM audit_records`+clause, args...).Scan(&stats.UniquePerformers)
	if err != nil {
		return nil, fmt.Errorf("failed to count audit performers: %w", err)
	}
	return stats, nil
}

// where renders the filter conditions, binding values through arg
func where(filter Filter, arg func(interface{}) string) string {
	var conditions []string
	if len(filter.ActionTypes) > 0 {
		placeholders := make([]string, len(filter.ActionTypes))
		for i, at := range filter.ActionTypes {
			placeholders[i] = arg(string(at))
		}
		conditions = append(conditions, "action_type IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.PerformedBy != nil {
		conditions = append(conditions, "performed_by = "+arg(*filter.PerformedBy))
	}
	if filter.TargetRoleID != nil {
		conditions = append(conditions, "target_role_id = "+arg(*filter.TargetRoleID))
	}
	if filter.Since != nil {
		conditions = append(conditions, "created_at >= "+arg(*filter.Since))
	}
	if filter.Until != nil {
		conditions = append(conditions, "created_at <= "+arg(*filter.Until))
	}
	if len(conditions) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conditions, " AND ")
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec                   Record
		action                string
		role, perm, principal sql.NullInt64
		oldValue, newValue    sql.NullString
	)
	err := row.Scan(&rec.ID, &action, &rec.PerformedBy, &role, &perm, &principal,
		&oldValue, &newValue, &rec.IPAddress, &rec.UserAgent, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit record: %w", err)
	}
	rec.ActionType = ActionType(action)
	rec.TargetRoleID = nullableID(role)
	rec.TargetPermissionID = nullableID(perm)
	rec.TargetPrincipalID = nullableID(principal)
	if oldValue.Valid {
		rec.OldValue = []byte(oldValue.String)
	}
	if newValue.Valid {
		rec.NewValue = []byte(newValue.String)
	}
	return &rec, nil
}

func nullJSON(v []byte) interface{} {
	if len(v) == 0 {
		return nil
	}
	return string(v)
}

func nullableID(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	id := v.Int64
	return &id
}
