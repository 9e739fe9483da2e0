package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Sink stores audit records. Append may block on I/O.
type Sink interface {
	Append(ctx context.Context, rec Record) error
}

// Emitter accepts records without blocking the caller. Writer is the
// production implementation.
type Emitter interface {
	Emit(rec Record)
}

// NopEmitter discards every record
type NopEmitter struct{}

// Emit implements Emitter
func (NopEmitter) Emit(Record) {}

// MultiSink appends to every sink, continuing past failures
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink fans records out to sinks
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Append writes rec to all sinks and joins their errors
func (m *MultiSink) Append(ctx context.Context, rec Record) error {
	var errs []error
	for i, s := range m.sinks {
		if err := s.Append(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// LogSink writes records to a logrus logger, one structured entry each
type LogSink struct {
	logger *logrus.Logger
}

// NewLogSink creates a sink on logger
func NewLogSink(logger *logrus.Logger) *LogSink {
	if logger == nil {
		logger = logrus.New()
	}
	return &LogSink{logger: logger}
}

// Append implements Sink
func (s *LogSink) Append(_ context.Context, rec Record) error {
	fields := logrus.Fields{
		"audit":        true,
		"action_type":  string(rec.ActionType),
		"performed_by": rec.PerformedBy,
		"ip":           rec.IPAddress,
		"created_at":   rec.CreatedAt,
	}
	if rec.TargetRoleID != nil {
		fields["target_role_id"] = *rec.TargetRoleID
	}
	if rec.TargetPermissionID != nil {
		fields["target_permission_id"] = *rec.TargetPermissionID
	}
	if rec.TargetPrincipalID != nil {
		fields["target_principal_id"] = *rec.TargetPrincipalID
	}
	if len(rec.OldValue) > 0 {
		fields["old_value"] = string(rec.OldValue)
	}
	if len(rec.NewValue) > 0 {
		fields["new_value"] = string(rec.NewValue)
	}
	s.logger.WithFields(fields).Info("Audit record")
	return nil
}
