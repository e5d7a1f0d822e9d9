package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/crossdevice/internal/conflict"
	"github.com/roach88/crossdevice/internal/device"
	"github.com/roach88/crossdevice/internal/optrack"
)

// SaveDevice upserts a device record.
func (s *Store) SaveDevice(ctx context.Context, d device.Device) error {
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("save device %s: %w", d.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO devices (id, seq, body, checksum, state_version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			seq = excluded.seq,
			body = excluded.body,
			checksum = excluded.checksum,
			state_version = excluded.state_version,
			updated_at = excluded.updated_at
	`, d.ID, d.Seq, string(body), d.Checksum, d.StateVersion, s.clock.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save device %s: %w", d.ID, err)
	}
	return nil
}

// DeleteDevice removes a device record. Deleting an unknown ID is a no-op.
func (s *Store) DeleteDevice(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete device %s: %w", id, err)
	}
	return nil
}

// LoadDevices returns every stored device in registration order.
// Checksums are returned as stored; the registry verifies them.
func (s *Store) LoadDevices(ctx context.Context) ([]device.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM devices
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	devices := []device.Device{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		var d device.Device
		if err := json.Unmarshal([]byte(body), &d); err != nil {
			return nil, fmt.Errorf("decode device: %w", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}
	return devices, nil
}

// RecordAudit appends a conflict audit entry. Re-recording the same
// entry ID is ignored.
func (s *Store) RecordAudit(ctx context.Context, e conflict.AuditEntry) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("record audit %s: %w", e.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conflict_audit
		(id, conflict_id, entity_type, entity_id, operation_id, strategy, winner, body, checksum, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		e.ID,
		e.ConflictID,
		e.EntityType,
		e.EntityID,
		e.OperationID,
		string(e.Strategy),
		e.WinnerDeviceID,
		string(body),
		e.Checksum,
		e.At.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record audit %s: %w", e.ID, err)
	}
	return nil
}

// AuditTrail returns the audit entries for an entity, oldest first.
// An empty entityType matches every type.
func (s *Store) AuditTrail(ctx context.Context, entityType, entityID string) ([]conflict.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM conflict_audit
		WHERE (? = '' OR entity_type = ?) AND (? = '' OR entity_id = ?)
		ORDER BY at ASC, id COLLATE BINARY ASC
	`, entityType, entityType, entityID, entityID)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	entries := []conflict.AuditEntry{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		var e conflict.AuditEntry
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			return nil, fmt.Errorf("decode audit: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit: %w", err)
	}
	return entries, nil
}

// ArchiveOperation stores a pruned operation. Archiving twice overwrites.
func (s *Store) ArchiveOperation(ctx context.Context, op optrack.Operation) error {
	body, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("archive operation %s: %w", op.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO operations (id, entity_type, entity_id, status, crisis, body, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, body = excluded.body
	`, op.ID, op.EntityType, op.EntityID, string(op.Status), boolInt(op.Crisis), string(body), op.SubmittedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("archive operation %s: %w", op.ID, err)
	}
	return nil
}

// ArchivedOperations returns archived operations, oldest submission
// first. When crisisOnly is set only crisis operations are returned.
func (s *Store) ArchivedOperations(ctx context.Context, crisisOnly bool) ([]optrack.Operation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM operations
		WHERE (? = 0 OR crisis = 1)
		ORDER BY submitted_at ASC, id COLLATE BINARY ASC
	`, boolInt(crisisOnly))
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	ops := []optrack.Operation{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		var op optrack.Operation
		if err := json.Unmarshal([]byte(body), &op); err != nil {
			return nil, fmt.Errorf("decode operation: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return ops, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
