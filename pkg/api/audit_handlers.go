package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/spoke-iam/pkg/audit"
	"github.com/platinummonkey/spoke-iam/pkg/contextkeys"
	"github.com/platinummonkey/spoke-iam/pkg/httputil"
)

// searchAudit handles GET /rbac/audit
//
// Query parameters: action (repeatable or comma separated), performed_by,
// role_id, since and until (RFC 3339), limit, offset.
func (s *Server) searchAudit(w http.ResponseWriter, r *http.Request) {
	filter, err := auditFilter(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	records, err := s.deps.Audit.Search(r.Context(), filter)
	if err != nil {
		s.logger.WithError(err).WithField("request_id", contextkeys.GetRequestID(r.Context())).Error("Audit search failed")
		httputil.WriteInternalError(w)
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{"records": records})
}

// getAuditRecord handles GET /rbac/audit/{id}
func (s *Server) getAuditRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	rec, err := s.deps.Audit.Get(r.Context(), id)
	if errors.Is(err, audit.ErrRecordNotFound) {
		httputil.WriteNotFoundError(w, "audit record not found")
		return
	}
	if err != nil {
		s.logger.WithError(err).WithField("request_id", contextkeys.GetRequestID(r.Context())).Error("Audit lookup failed")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteSuccess(w, rec)
}

// exportAudit handles GET /rbac/audit/export
//
// Takes the search filters plus format (csv or ndjson, default ndjson) and
// streams every matching record, newest first. limit and offset are ignored.
func (s *Server) exportAudit(w http.ResponseWriter, r *http.Request) {
	format, err := audit.ParseExportFormat(r.URL.Query().Get("format"))
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	filter, err := auditFilter(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	now := time.Now().UTC()
	if filter.Until == nil {
		// records appended during the export are excluded
		filter.Until = &now
	}
	filter.Limit = audit.MaxSearchLimit
	filter.Offset = 0

	logger := s.logger.WithFields(logrus.Fields{
		"request_id": contextkeys.GetRequestID(r.Context()),
		"format":     string(format),
	})
	first, err := s.deps.Audit.Search(r.Context(), filter)
	if err != nil {
		logger.WithError(err).Error("Audit export failed")
		httputil.WriteInternalError(w)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="audit-%s.%s"`, now.Format("20060102T150405Z"), format))
	w.WriteHeader(http.StatusOK)

	exporter := audit.NewExporter(w, format)
	exported := 0
	page := first
	for {
		for _, rec := range page {
			if err := exporter.Write(rec); err != nil {
				logger.WithError(err).Warn("Audit export aborted")
				return
			}
		}
		exported += len(page)
		if len(page) < filter.Limit {
			break
		}
		filter.Offset += len(page)
		if page, err = s.deps.Audit.Search(r.Context(), filter); err != nil {
			logger.WithError(err).Error("Audit export truncated")
			break
		}
	}
	if err := exporter.Flush(); err != nil {
		logger.WithError(err).Warn("Audit export flush failed")
		return
	}
	logger.WithField("records", exported).Info("Exported audit records")
}

// auditStats handles GET /rbac/audit/stats with the search filters
func (s *Server) auditStats(w http.ResponseWriter, r *http.Request) {
	filter, err := auditFilter(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	stats, err := s.deps.Audit.Stats(r.Context(), filter)
	if err != nil {
		s.logger.WithError(err).WithField("request_id", contextkeys.GetRequestID(r.Context())).Error("Audit stats failed")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteSuccess(w, stats)
}

func auditFilter(r *http.Request) (audit.Filter, error) {
	var filter audit.Filter
	q := r.URL.Query()

	for _, v := range q["action"] {
		for _, action := range strings.Split(v, ",") {
			if action = strings.TrimSpace(action); action != "" {
				filter.ActionTypes = append(filter.ActionTypes, audit.ActionType(action))
			}
		}
	}

	var err error
	if filter.PerformedBy, err = queryID(q.Get("performed_by"), "performed_by"); err != nil {
		return filter, err
	}
	if filter.TargetRoleID, err = queryID(q.Get("role_id"), "role_id"); err != nil {
		return filter, err
	}
	if filter.Since, err = queryTime(q.Get("since"), "since"); err != nil {
		return filter, err
	}
	if filter.Until, err = queryTime(q.Get("until"), "until"); err != nil {
		return filter, err
	}

	if filter.Limit, err = httputil.ParseQueryInt(r, "limit", 100); err != nil {
		return filter, fmt.Errorf("invalid limit")
	}
	if filter.Offset, err = httputil.ParseQueryInt(r, "offset", 0); err != nil || filter.Offset < 0 {
		return filter, fmt.Errorf("invalid offset")
	}
	return filter, nil
}

func queryID(v, name string) (*int64, error) {
	if v == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s", name)
	}
	return &id, nil
}

func queryTime(v, name string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s", name)
	}
	return &t, nil
}
