package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/vchain/internal/entity"
	"github.com/roach88/vchain/internal/value"
)

const entityColumns = `id, uuid, entity_type, properties, creator, date_created,
	voided, voided_by, date_voided, void_reason, previous_version, digest`

// queries runs entity statements against a connection or transaction.
type queries struct {
	q Querier
}

// InsertEntity writes a new record. A zero e.ID lets SQLite assign the next
// id, which is written back to e.
func (q queries) InsertEntity(ctx context.Context, e *entity.Entity) error {
	row, err := encodeEntity(e)
	if err != nil {
		return fmt.Errorf("insert entity: %w", err)
	}

	var id any
	if e.ID != 0 {
		id = e.ID
	}

	res, err := q.q.ExecContext(ctx, `
		INSERT INTO entities
		(id, uuid, entity_type, properties, creator, date_created,
		 voided, voided_by, date_voided, void_reason, previous_version, digest)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		id,
		e.UUID,
		e.Type,
		row.properties,
		e.Creator,
		row.dateCreated,
		e.Voided,
		e.VoidedBy,
		row.dateVoided,
		e.VoidReason,
		row.previousVersion,
		row.digest,
	)
	if err != nil {
		return fmt.Errorf("insert entity %s: %w", e.Type, err)
	}

	if e.ID == 0 {
		newID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("insert entity %s: last insert id: %w", e.Type, err)
		}
		e.ID = newID
	}
	return nil
}

// UpdateEntity overwrites the stored record with e's current state.
// Returns ErrNotFound if no row has e.ID.
func (q queries) UpdateEntity(ctx context.Context, e *entity.Entity) error {
	row, err := encodeEntity(e)
	if err != nil {
		return fmt.Errorf("update entity: %w", err)
	}

	res, err := q.q.ExecContext(ctx, `
		UPDATE entities SET
			properties = ?, creator = ?, date_created = ?,
			voided = ?, voided_by = ?, date_voided = ?, void_reason = ?,
			previous_version = ?, digest = ?
		WHERE id = ?
	`,
		row.properties,
		e.Creator,
		row.dateCreated,
		e.Voided,
		e.VoidedBy,
		row.dateVoided,
		e.VoidReason,
		row.previousVersion,
		row.digest,
		e.ID,
	)
	if err != nil {
		return fmt.Errorf("update entity %s: %w", e.Label(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update entity %s: rows affected: %w", e.Label(), err)
	}
	if n == 0 {
		return fmt.Errorf("update entity %s: %w", e.Label(), ErrNotFound)
	}
	return nil
}

// GetEntity loads the record with the given id.
// Returns an error wrapping ErrNotFound if there is none.
func (q queries) GetEntity(ctx context.Context, id int64) (*entity.Entity, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = ?`, id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entity %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get entity %d: %w", id, err)
	}
	return e, nil
}

// ReadChain returns the record with the given id followed by each earlier
// version, newest first.
func (q queries) ReadChain(ctx context.Context, id int64) ([]*entity.Entity, error) {
	var chain []*entity.Entity
	seen := make(map[int64]bool)
	for next := id; next != 0; {
		if seen[next] {
			return nil, fmt.Errorf("read chain %d: cycle at %d", id, next)
		}
		seen[next] = true

		e, err := q.GetEntity(ctx, next)
		if err != nil {
			return nil, fmt.Errorf("read chain %d: %w", id, err)
		}
		chain = append(chain, e)
		next = e.PreviousVersion
	}
	return chain, nil
}

// Successor returns the record whose previous_version is id, or nil.
func (q queries) Successor(ctx context.Context, id int64) (*entity.Entity, error) {
	row := q.q.QueryRowContext(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE previous_version = ?
		ORDER BY id ASC
		LIMIT 1
	`, id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("successor of %d: %w", id, err)
	}
	return e, nil
}

// ListEntities returns records of typ ordered by id. Voided records are
// skipped unless includeVoided is set. An empty typ lists every type.
//
// Returns an empty slice (not nil) if nothing matches.
func (q queries) ListEntities(ctx context.Context, typ string, includeVoided bool) ([]*entity.Entity, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE (? = '' OR entity_type = ?)
		  AND (? OR voided = 0)
		ORDER BY id ASC
	`, typ, typ, includeVoided)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	entities := []*entity.Entity{}
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("list entities: %w", err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", err)
	}
	return entities, nil
}

type encodedEntity struct {
	properties      string
	dateCreated     string
	dateVoided      string
	previousVersion any
	digest          string
}

func encodeEntity(e *entity.Entity) (encodedEntity, error) {
	props := e.Properties
	if props == nil {
		props = value.Map{}
	}
	data, err := value.MarshalCanonical(props)
	if err != nil {
		return encodedEntity{}, fmt.Errorf("marshal properties: %w", err)
	}
	digest, err := e.Digest()
	if err != nil {
		return encodedEntity{}, fmt.Errorf("digest: %w", err)
	}

	out := encodedEntity{
		properties: string(data),
		digest:     digest,
	}
	if !e.DateCreated.IsZero() {
		out.dateCreated = entity.FormatTime(e.DateCreated)
	}
	if e.DateVoided != nil && !e.DateVoided.IsZero() {
		out.dateVoided = entity.FormatTime(*e.DateVoided)
	}
	if e.PreviousVersion != 0 {
		out.previousVersion = e.PreviousVersion
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*entity.Entity, error) {
	var (
		e           entity.Entity
		properties  string
		dateCreated string
		dateVoided  string
		previous    sql.NullInt64
		digest      string
	)
	if err := row.Scan(
		&e.ID,
		&e.UUID,
		&e.Type,
		&properties,
		&e.Creator,
		&dateCreated,
		&e.Voided,
		&e.VoidedBy,
		&dateVoided,
		&e.VoidReason,
		&previous,
		&digest,
	); err != nil {
		return nil, err
	}

	var props value.Map
	if err := props.UnmarshalJSON([]byte(properties)); err != nil {
		return nil, fmt.Errorf("entity %d: unmarshal properties: %w", e.ID, err)
	}
	e.Properties = props

	if dateCreated != "" {
		t, err := entity.ParseTime(dateCreated)
		if err != nil {
			return nil, fmt.Errorf("entity %d: date_created: %w", e.ID, err)
		}
		e.DateCreated = t
	}
	if dateVoided != "" {
		t, err := entity.ParseTime(dateVoided)
		if err != nil {
			return nil, fmt.Errorf("entity %d: date_voided: %w", e.ID, err)
		}
		e.DateVoided = &t
	}
	if previous.Valid {
		e.PreviousVersion = previous.Int64
	}
	return &e, nil
}
