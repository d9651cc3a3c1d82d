package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/okian/rollcall/internal/domain/model"
	"github.com/okian/rollcall/internal/domain/storage"
)

func (s *Store) ListEnrolled(ctx context.Context) ([]model.EnrolledIdentity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, display_name, external_ref, metadata, enrolled_at
		FROM identities ORDER BY id
	`)
	if err != nil {
		return nil, classify("list identities", err)
	}
	defer rows.Close()

	out := make([]model.EnrolledIdentity, 0)
	index := make(map[string]int)
	for rows.Next() {
		var (
			identity model.EnrolledIdentity
			md       []byte
		)
		if err := rows.Scan(&identity.ID, &identity.DisplayName, &identity.ExternalRef, &md, &identity.EnrolledAt); err != nil {
			return nil, classify("scan identity", err)
		}
		if identity.Metadata, err = decodeMetadata(md); err != nil {
			return nil, err
		}
		identity.EnrolledAt = identity.EnrolledAt.UTC()
		index[identity.ID] = len(out)
		out = append(out, identity)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate identities", err)
	}

	erows, err := s.db.QueryContext(ctx, `SELECT identity_id, model, embedding FROM embeddings ORDER BY id`)
	if err != nil {
		return nil, classify("list embeddings", err)
	}
	defer erows.Close()
	for erows.Next() {
		var (
			identityID string
			modelName  string
			vec        pgvector.Vector
		)
		if err := erows.Scan(&identityID, &modelName, &vec); err != nil {
			return nil, classify("scan embedding", err)
		}
		i, ok := index[identityID]
		if !ok {
			continue
		}
		out[i].Embeddings = append(out[i].Embeddings, model.Embedding{Values: vec.Slice(), Model: modelName})
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
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET
				display_name = EXCLUDED.display_name,
				external_ref = EXCLUDED.external_ref,
				metadata = EXCLUDED.metadata
		`, identity.ID, identity.DisplayName, identity.ExternalRef, md, identity.EnrolledAt.UTC()); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM embeddings WHERE identity_id = $1`, identity.ID); err != nil {
			return err
		}
		return insertEmbeddings(ctx, tx, identity.ID, identity.Embeddings)
	})
}

func (s *Store) AppendEmbeddings(ctx context.Context, identityID string, embeddings []model.Embedding) error {
	return s.inTx(ctx, "append embeddings", func(tx *sql.Tx) error {
		if err := lockIdentity(ctx, tx, identityID); err != nil {
			return err
		}
		return insertEmbeddings(ctx, tx, identityID, embeddings)
	})
}

func (s *Store) ReplaceEmbeddings(ctx context.Context, identityID string, embeddings []model.Embedding) error {
	return s.inTx(ctx, "replace embeddings", func(tx *sql.Tx) error {
		if err := lockIdentity(ctx, tx, identityID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM embeddings WHERE identity_id = $1`, identityID); err != nil {
			return err
		}
		return insertEmbeddings(ctx, tx, identityID, embeddings)
	})
}

func (s *Store) DeleteIdentity(ctx context.Context, identityID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM identities WHERE id = $1`, identityID)
	if err != nil {
		return classify("delete identity", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("identity %s: %w", identityID, storage.ErrNotFound)
	}
	return nil
}

func lockIdentity(ctx context.Context, tx *sql.Tx, identityID string) error {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM identities WHERE id = $1 FOR UPDATE`, identityID).Scan(&id)
	if err != nil {
		return fmt.Errorf("identity %s: %w", identityID, err)
	}
	return nil
}

func insertEmbeddings(ctx context.Context, tx *sql.Tx, identityID string, embeddings []model.Embedding) error {
	if len(embeddings) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO embeddings (identity_id, model, dim, embedding) VALUES ($1, $2, $3, $4)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, e := range embeddings {
		if _, err := stmt.ExecContext(ctx, identityID, e.Model, e.Dim(), pgvector.NewVector(e.Values)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(op, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return classify(op, err)
	}
	return classify(op, tx.Commit())
}
