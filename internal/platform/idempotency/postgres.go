package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bazaarline/api/internal/platform/postgres"
)

// PostgresStore implements Store on the idempotency_keys table.
type PostgresStore struct {
	provider *postgres.Provider
}

func NewPostgresStore(provider *postgres.Provider) (*PostgresStore, error) {
	if provider == nil {
		return nil, errors.New("idempotency: postgres provider is required")
	}
	return &PostgresStore{provider: provider}, nil
}

// Reserve claims the key. Losing the insert race reads the winner's row under lock; an
// expired row is taken over.
func (s *PostgresStore) Reserve(ctx context.Context, key Key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	fresh := Record{
		Key:         key,
		Fingerprint: fingerprint,
		Status:      StatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}

	var result Reservation
	err := s.provider.RunInTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		existing, err := scanRecord(tx.QueryRow(ctx, `
			INSERT INTO idempotency_keys (id, scope, idempotency_key, fingerprint, status, created_at, updated_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $6, $7)
			ON CONFLICT (id) DO UPDATE SET id = idempotency_keys.id
			RETURNING scope, idempotency_key, fingerprint, status, response_status, response_headers, response_body,
			          created_at, expires_at, xmax = 0`,
			key.id(), string(key.Scope), key.Value, fingerprint, string(StatusPending), now, fresh.ExpiresAt))
		if err != nil {
			return err
		}

		switch {
		case existing.inserted:
			result = Reservation{State: ReservationStateNew, Record: fresh}
			return nil
		case existing.record.expired(now):
			if _, err := tx.Exec(ctx, `
				UPDATE idempotency_keys
				SET fingerprint = $2, status = $3, response_status = 0, response_headers = NULL,
				    response_body = NULL, created_at = $4, updated_at = $4, expires_at = $5
				WHERE id = $1`,
				key.id(), fingerprint, string(StatusPending), now, fresh.ExpiresAt); err != nil {
				return postgres.WrapError("idempotency renew", err)
			}
			result = Reservation{State: ReservationStateNew, Record: fresh}
			return nil
		case existing.record.Fingerprint != fingerprint:
			return ErrFingerprintMismatch
		case existing.record.Status == StatusCompleted:
			result = Reservation{State: ReservationStateCompleted, Record: existing.record}
		default:
			result = Reservation{State: ReservationStatePending, Record: existing.record}
		}
		return nil
	})
	if err != nil {
		return Reservation{}, err
	}
	return result, nil
}

// Complete stores resp for replay, recreating the row when the reservation vanished.
func (s *PostgresStore) Complete(ctx context.Context, key Key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	var headers []byte
	if len(resp.Headers) > 0 {
		encoded, err := json.Marshal(resp.Headers)
		if err != nil {
			return fmt.Errorf("idempotency: encode headers: %w", err)
		}
		headers = encoded
	}

	pool, err := s.provider.Pool(ctx)
	if err != nil {
		return err
	}
	tag, err := postgres.Conn(ctx, pool).Exec(ctx, `
		INSERT INTO idempotency_keys (id, scope, idempotency_key, fingerprint, status, response_status,
		                              response_headers, response_body, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9, $10)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, response_status = EXCLUDED.response_status,
		    response_headers = EXCLUDED.response_headers, response_body = EXCLUDED.response_body,
		    updated_at = EXCLUDED.updated_at, expires_at = EXCLUDED.expires_at
		WHERE idempotency_keys.fingerprint = EXCLUDED.fingerprint`,
		key.id(), string(key.Scope), key.Value, fingerprint, string(StatusCompleted), resp.Status, headers,
		resp.Body, now, now.Add(ttl))
	if err != nil {
		return postgres.WrapError("idempotency complete", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrFingerprintMismatch
	}
	return nil
}

// Release deletes the reservation when it still belongs to fingerprint.
func (s *PostgresStore) Release(ctx context.Context, key Key, fingerprint string) error {
	pool, err := s.provider.Pool(ctx)
	if err != nil {
		return err
	}
	_, err = postgres.Conn(ctx, pool).Exec(ctx, `DELETE FROM idempotency_keys WHERE id = $1 AND fingerprint = $2`,
		key.id(), fingerprint)
	return postgres.WrapError("idempotency release", err)
}

// CleanupExpired removes up to limit expired rows, oldest first.
func (s *PostgresStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	pool, err := s.provider.Pool(ctx)
	if err != nil {
		return 0, err
	}
	tag, err := postgres.Conn(ctx, pool).Exec(ctx, `
		DELETE FROM idempotency_keys
		WHERE id IN (
			SELECT id FROM idempotency_keys WHERE expires_at <= $1 ORDER BY expires_at LIMIT $2
		)`, now.UTC(), limit)
	if err != nil {
		return 0, postgres.WrapError("idempotency cleanup", err)
	}
	return int(tag.RowsAffected()), nil
}

type scannedRecord struct {
	record   Record
	inserted bool
}

func scanRecord(row pgx.Row) (scannedRecord, error) {
	var (
		out     scannedRecord
		scope   string
		status  string
		headers []byte
	)
	record := &out.record
	if err := row.Scan(&scope, &record.Key.Value, &record.Fingerprint, &status, &record.Response.Status, &headers,
		&record.Response.Body, &record.CreatedAt, &record.ExpiresAt, &out.inserted); err != nil {
		return scannedRecord{}, postgres.WrapError("idempotency load", err)
	}
	record.Key.Scope = Scope(scope)
	record.Status = Status(status)
	if len(headers) > 0 {
		record.Response.Headers = http.Header{}
		if err := json.Unmarshal(headers, &record.Response.Headers); err != nil {
			return scannedRecord{}, fmt.Errorf("idempotency: decode headers: %w", err)
		}
	}
	return out, nil
}
