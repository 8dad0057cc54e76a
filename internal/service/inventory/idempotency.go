package inventory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/jackc/pgx/v5"
)

// Idempotency rows older than their expires_at are logically absent; the
// lookup filters them out and the upsert refreshes the window.
const idempotencyTTL = "24 hours"

func lookupIdempotency(ctx context.Context, tx pgx.Tx, key, serviceName string) (bool, error) {
	var id int64
	err := tx.QueryRow(ctx, `
		SELECT id FROM idempotency_keys
		WHERE key = $1 AND service_name = $2 AND expires_at > now()
	`, key, serviceName).Scan(&id)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func recordIdempotency(ctx context.Context, tx pgx.Tx, key, serviceName string, req UpdateRequest, resp State) error {
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return err
	}
	respJSON, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(reqJSON)

	_, err = tx.Exec(ctx, `
		INSERT INTO idempotency_keys (key, service_name, request_hash, response_body, expires_at)
		VALUES ($1, $2, $3, $4, now() + interval '`+idempotencyTTL+`')
		ON CONFLICT (key) DO UPDATE SET
			service_name  = EXCLUDED.service_name,
			request_hash  = EXCLUDED.request_hash,
			response_body = EXCLUDED.response_body,
			expires_at    = EXCLUDED.expires_at
	`, key, serviceName, hex.EncodeToString(sum[:]), string(respJSON))
	return err
}
