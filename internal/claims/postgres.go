package claims

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/claimline/claimline/internal/understand"
)

// PostgresRetriever looks claims up in Postgres, by policy id when the
// caller named one and by full-text search otherwise.
type PostgresRetriever struct {
	pool *pgxpool.Pool
}

// NewPostgresRetriever connects to the claim store.
func NewPostgresRetriever(ctx context.Context, databaseURL string) (*PostgresRetriever, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to claim store: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping claim store: %w", err)
	}
	return &PostgresRetriever{pool: pool}, nil
}

// Close releases the connection pool.
func (r *PostgresRetriever) Close() {
	r.pool.Close()
}

const selectColumns = `policy_id, customer_name, status, incident_type, policy_type,
	incident_date, estimated_damage, approved_amount, description`

// Lookup implements Retriever. No match returns an empty slice, never
// an error.
func (r *PostgresRetriever) Lookup(ctx context.Context, entities understand.Entities) ([]Record, error) {
	if id := policyID(entities); id != "" {
		return r.query(ctx,
			fmt.Sprintf(`SELECT %s FROM claims WHERE policy_id = $1 ORDER BY last_updated DESC LIMIT 10`, selectColumns),
			id)
	}

	terms := searchTerms(entities)
	if terms == "" {
		return nil, nil
	}
	return r.query(ctx,
		fmt.Sprintf(`SELECT %s FROM claims
			WHERE search_vector @@ plainto_tsquery('english', $1)
			ORDER BY ts_rank(search_vector, plainto_tsquery('english', $1)) DESC
			LIMIT 10`, selectColumns),
		terms)
}

func (r *PostgresRetriever) query(ctx context.Context, sql string, args ...any) ([]Record, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query claims: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(
			&rec.PolicyID, &rec.CustomerName, &rec.Status, &rec.IncidentType, &rec.PolicyType,
			&rec.IncidentDate, &rec.EstimatedDamage, &rec.ApprovedAmount, &rec.Description,
		); err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil && err != pgx.ErrNoRows {
		return nil, fmt.Errorf("read claims: %w", err)
	}
	return records, nil
}

// policyID returns the explicit claim identifier named by the caller,
// if any.
func policyID(entities understand.Entities) string {
	if id := entities.Fields["policy_id"]; id != "" {
		return id
	}
	return entities.Fields["claim_number"]
}

func searchTerms(entities understand.Entities) string {
	var terms []string
	for _, key := range []string{"customer_name", "incident_type"} {
		if v := entities.Fields[key]; v != "" {
			terms = append(terms, v)
		}
	}
	return strings.Join(terms, " ")
}
