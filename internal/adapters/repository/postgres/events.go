package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/okian/rollcall/internal/domain/model"
	"github.com/okian/rollcall/internal/domain/types"
)

const eventColumns = `id, identity_id, to_char(attendance_date, 'YYYY-MM-DD'), ts, status,
	confidence, source_frame_ref, session_id, device_metadata`

func (s *Store) Insert(ctx context.Context, ev model.AttendanceEvent) error {
	md, err := encodeMetadata(ev.DeviceMetadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO attendance_events
			(id, identity_id, attendance_date, ts, status, confidence, source_frame_ref, session_id, device_metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, ev.ID, ev.IdentityID, ev.Date, ev.Timestamp.UTC(), string(ev.Status), ev.Confidence,
		ev.SourceFrameRef, ev.SessionID, md)
	return classify("insert event", err)
}

func (s *Store) FindByIdentityAndDate(ctx context.Context, identityID, date string) (model.AttendanceEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM attendance_events WHERE identity_id = $1 AND attendance_date = $2`,
		identityID, date)
	ev, err := scanEvent(row)
	return ev, classify("find event", err)
}

func (s *Store) GetEvent(ctx context.Context, eventID string) (model.AttendanceEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM attendance_events WHERE id = $1`, eventID)
	ev, err := scanEvent(row)
	return ev, classify("get event", err)
}

func (s *Store) ListForDate(ctx context.Context, date string) ([]model.AttendanceEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM attendance_events WHERE attendance_date = $1 ORDER BY ts, id`, date)
	if err != nil {
		return nil, classify("list events", err)
	}
	defer rows.Close()

	out := make([]model.AttendanceEvent, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, classify("scan event", err)
		}
		out = append(out, ev)
	}
	return out, classify("iterate events", rows.Err())
}

func (s *Store) InsertCorrection(ctx context.Context, c model.Correction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO corrections (id, event_id, annotation, status, author, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, c.ID, c.EventID, c.Annotation, string(c.Status), c.Author, c.CreatedAt.UTC())
	return classify("insert correction", err)
}

func (s *Store) ListCorrections(ctx context.Context, date string) ([]model.Correction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.event_id, c.annotation, c.status, c.author, c.created_at
		FROM corrections c
		JOIN attendance_events e ON e.id = c.event_id
		WHERE e.attendance_date = $1
		ORDER BY c.created_at, c.id
	`, date)
	if err != nil {
		return nil, classify("list corrections", err)
	}
	defer rows.Close()

	out := make([]model.Correction, 0)
	for rows.Next() {
		var (
			c      model.Correction
			status string
		)
		if err := rows.Scan(&c.ID, &c.EventID, &c.Annotation, &status, &c.Author, &c.CreatedAt); err != nil {
			return nil, classify("scan correction", err)
		}
		c.Status = types.Status(status)
		c.CreatedAt = c.CreatedAt.UTC()
		out = append(out, c)
	}
	return out, classify("iterate corrections", rows.Err())
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (model.AttendanceEvent, error) {
	var (
		ev     model.AttendanceEvent
		status string
		ts     time.Time
		md     []byte
	)
	if err := row.Scan(&ev.ID, &ev.IdentityID, &ev.Date, &ts, &status, &ev.Confidence,
		&ev.SourceFrameRef, &ev.SessionID, &md); err != nil {
		return model.AttendanceEvent{}, err
	}
	ev.Timestamp = ts.UTC()
	ev.Status = types.Status(status)
	meta, err := decodeMetadata(md)
	if err != nil {
		return model.AttendanceEvent{}, err
	}
	ev.DeviceMetadata = meta
	return ev, nil
}

func encodeMetadata(m map[string]string) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return b, nil
}

func decodeMetadata(b []byte) (map[string]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

