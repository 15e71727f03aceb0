package storage

import (
	"encoding/json"
	"fmt"

	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/internal/model"
)

// auditColumns is the column list shared by both SQL backends, in scan order.
const auditColumns = `seq, action_id, kind, rollback_of, service, source, target,
	requested_by, actor, from_state, to_state, reason, pending_approval, checks`

func encodeChecks(checks []model.CheckResult) ([]byte, error) {
	if checks == nil {
		return []byte("null"), nil
	}
	data, err := json.Marshal(checks)
	if err != nil {
		return nil, fmt.Errorf("failed to encode checks: %w", err)
	}
	return data, nil
}

func decodeChecks(data []byte) ([]model.CheckResult, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var checks []model.CheckResult
	if err := json.Unmarshal(data, &checks); err != nil {
		return nil, fmt.Errorf("failed to decode checks: %w", err)
	}
	return checks, nil
}

// scanner is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanAuditRecord reads the auditColumns followed by one timestamp column;
// scanAt converts whatever the backend stores into rec.At.
func scanAuditRecord(row scanner, at any, scanAt func(*model.AuditRecord)) (model.AuditRecord, error) {
	var (
		rec                    model.AuditRecord
		kind, from, to, reason string
		checks                 []byte
	)
	if err := row.Scan(
		&rec.Seq,
		&rec.ActionID,
		&kind,
		&rec.RollbackOf,
		&rec.Service,
		&rec.Source,
		&rec.Target,
		&rec.RequestedBy,
		&rec.Actor,
		&from,
		&to,
		&reason,
		&rec.PendingApproval,
		&checks,
		at,
	); err != nil {
		return model.AuditRecord{}, fmt.Errorf("failed to scan audit record: %w", err)
	}

	rec.Kind = model.ActionKind(kind)
	rec.From = model.ActionState(from)
	rec.To = model.ActionState(to)
	rec.Reason = model.Reason(reason)

	var err error
	if rec.Checks, err = decodeChecks(checks); err != nil {
		return model.AuditRecord{}, err
	}
	scanAt(&rec)
	return rec, nil
}
