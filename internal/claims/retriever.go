// Package claims maps extracted entities to insurance claim records.
package claims

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/claimline/claimline/internal/understand"
)

// ErrRetrievalUnavailable means the claim store could not be reached
// after retry. The pipeline proceeds with zero records.
var ErrRetrievalUnavailable = errors.New("claims: store unavailable")

// Record is one claim as the conversation sees it. The storage schema
// behind it is owned by the external store.
type Record struct {
	PolicyID        string     `json:"policy_id"`
	CustomerName    string     `json:"customer_name"`
	Status          string     `json:"status"`
	IncidentType    string     `json:"incident_type"`
	PolicyType      string     `json:"policy_type"`
	IncidentDate    *time.Time `json:"incident_date,omitempty"`
	EstimatedDamage float64    `json:"estimated_damage,omitempty"`
	ApprovedAmount  *float64   `json:"approved_amount,omitempty"`
	Description     string     `json:"description,omitempty"`
}

// Retriever is the external lookup capability. An empty result slice
// is the no-match signal; errors mean the store itself failed.
type Retriever interface {
	Lookup(ctx context.Context, entities understand.Entities) ([]Record, error)
}

// Gateway wraps a Retriever with the stage-boundary error policy: one
// retry with backoff, then degrade to zero records.
type Gateway struct {
	retriever Retriever
	backoff   time.Duration
	timeout   time.Duration
}

// NewGateway creates a gateway. backoff and timeout <= 0 select
// 200ms and 2s respectively.
func NewGateway(retriever Retriever, backoff, timeout time.Duration) *Gateway {
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Gateway{retriever: retriever, backoff: backoff, timeout: timeout}
}

// Lookup returns matching records. On persistent store failure it
// returns an empty slice together with ErrRetrievalUnavailable so the
// caller can publish the degradation; the reply is still generated.
func (g *Gateway) Lookup(ctx context.Context, entities understand.Entities) ([]Record, error) {
	records, err := g.attempt(ctx, entities)
	if err == nil {
		return records, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	slog.WarnContext(ctx, "claims: lookup failed, retrying",
		slog.String("error", err.Error()))

	select {
	case <-time.After(g.backoff):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	records, err = g.attempt(ctx, entities)
	if err == nil {
		return records, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, fmt.Errorf("%w: %v", ErrRetrievalUnavailable, err)
}

func (g *Gateway) attempt(ctx context.Context, entities understand.Entities) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return g.retriever.Lookup(ctx, entities)
}
