package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/okian/rollcall/internal/domain/model"
	"github.com/okian/rollcall/internal/domain/storage"
)

func (s *Store) ListEnrolled(ctx context.Context) ([]model.EnrolledIdentity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, display_name, external_ref, metadata, enrolled_at FROM identities ORDER BY id
	`)
	if err != nil {
		return nil, classify("list identities", err)
	}
	out := make([]model.EnrolledIdentity, 0)
	index := make(map[string]int)
	for rows.Next() {
		var (
			identity model.EnrolledIdentity
			md       string
			enrolled string
		)
		if err := rows.Scan(&identity.ID, &identity.DisplayName, &identity.ExternalRef, &md, &enrolled); err != nil {
			rows.Close()
			return nil, classify("scan identity", err)
		}
		if identity.Metadata, err = decodeMetadata(md); err != nil {
			rows.Close()
			return nil, err
		}
		if identity.EnrolledAt, err = parseTime(enrolled); err != nil {
			rows.Close()
			return nil, err
		}
		index[identity.ID] = len(out)
		out = append(out, identity)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classify("iterate identities", err)
	}

	erows, err := s.db.QueryContext(ctx, `SELECT identity_id, model, vector FROM embeddings ORDER BY id`)
	if err != nil {
		return nil, classify("list embeddings", err)
	}
	defer erows.Close()
	for erows.Next() {
		var (
			identityID string
			modelName  string
			blob       []byte
		)
		if err := erows.Scan(&identityID, &modelName, &blob); err != nil {
			return nil, classify("scan embedding", err)
		}
		i, ok := index[identityID]
		if !ok {
			continue
		}
		values, err := decodeVector(blob)
		if err != nil {
			return nil, err
		}
		out[i].Embeddings = append(out[i].Embeddings, model.Embedding{Values: values, Model: modelName})
	}
	return out, classify("iterate embeddings", erows.Err())
}

// SaveIdentity upserts the identity row and replaces its samples.
func (s *Store) SaveIdentity(ctx context.Context, identity model.EnrolledIdentity) error {
	md, err := encodeMetadata(identity.Metadata)
	if err != nil {
		return err
	}
	return s.inTx(ctx, "save identity", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO identities (id, display_name, external_ref, metadata, enrolled_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				display_name = excluded.display_name,
				external_ref = excluded.external_ref,
				metadata = excluded.metadata
		`, identity.ID, identity.DisplayName, identity.ExternalRef, md, formatTime(identity.EnrolledAt)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM embeddings WHERE identity_id = ?`, identity.ID); err != nil {
			return err
		}
		return insertEmbeddings(ctx, tx, identity.ID, identity.Embeddings)
	})
}

func (s *Store) AppendEmbeddings(ctx context.Context, identityID string, embeddings []model.Embedding) error {
	return s.inTx(ctx, "append embeddings", func(tx *sql.Tx) error {
		if err := requireIdentity(ctx, tx, identityID); err != nil {
			return err
		}
		return insertEmbeddings(ctx, tx, identityID, embeddings)
	})
}

func (s *Store) ReplaceEmbeddings(ctx context.Context, identityID string, embeddings []model.Embedding) error {
	return s.inTx(ctx, "replace embeddings", func(tx *sql.Tx) error {
		if err := requireIdentity(ctx, tx, identityID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM embeddings WHERE identity_id = ?`, identityID); err != nil {
			return err
		}
		return insertEmbeddings(ctx, tx, identityID, embeddings)
	})
}

func (s *Store) DeleteIdentity(ctx context.Context, identityID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM identities WHERE id = ?`, identityID)
	if err != nil {
		return classify("delete identity", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("identity %s: %w", identityID, storage.ErrNotFound)
	}
	return nil
}

func requireIdentity(ctx context.Context, tx *sql.Tx, identityID string) error {
	var id string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM identities WHERE id = ?`, identityID).Scan(&id); err != nil {
		return fmt.Errorf("identity %s: %w", identityID, err)
	}
	return nil
}

func insertEmbeddings(ctx context.Context, tx *sql.Tx, identityID string, embeddings []model.Embedding) error {
	if len(embeddings) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO embeddings (identity_id, model, dim, vector) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, e := range embeddings {
		if _, err := stmt.ExecContext(ctx, identityID, e.Model, e.Dim(), encodeVector(e.Values)); err != nil {
			return err
		}
	}
	return nil
}

// Vectors are little-endian float32 blobs.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector blob of %d bytes is not float32 aligned", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out, nil
}
