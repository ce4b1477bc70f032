package claims

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/claimline/claimline/internal/understand"
)

type scriptedRetriever struct {
	calls   int
	results [][]Record
	errs    []error
}

func (s *scriptedRetriever) Lookup(context.Context, understand.Entities) ([]Record, error) {
	i := s.calls
	s.calls++
	var records []Record
	var err error
	if i < len(s.results) {
		records = s.results[i]
	}
	if i < len(s.errs) {
		err = s.errs[i]
	}
	return records, err
}

func TestGatewayReturnsRecords(t *testing.T) {
	retriever := &scriptedRetriever{
		results: [][]Record{{{PolicyID: "POL-12345", CustomerName: "Ada Nowak", Status: "Under Review"}}},
	}
	g := NewGateway(retriever, time.Millisecond, time.Second)

	records, err := g.Lookup(context.Background(), understand.Entities{Intent: "claim_status"})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(records) != 1 || records[0].PolicyID != "POL-12345" {
		t.Fatalf("records = %+v", records)
	}
	if retriever.calls != 1 {
		t.Fatalf("retriever called %d times, want 1", retriever.calls)
	}
}

func TestGatewayEmptyResultIsNotAnError(t *testing.T) {
	g := NewGateway(&scriptedRetriever{results: [][]Record{nil}}, time.Millisecond, time.Second)

	records, err := g.Lookup(context.Background(), understand.Entities{})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("records = %+v, want none", records)
	}
}

func TestGatewayRetriesOnceThenSucceeds(t *testing.T) {
	retriever := &scriptedRetriever{
		errs:    []error{errors.New("connection refused"), nil},
		results: [][]Record{nil, {{PolicyID: "POL-1"}}},
	}
	g := NewGateway(retriever, time.Millisecond, time.Second)

	records, err := g.Lookup(context.Background(), understand.Entities{})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %+v", records)
	}
	if retriever.calls != 2 {
		t.Fatalf("retriever called %d times, want 2", retriever.calls)
	}
}

func TestGatewayPersistentFailureDegrades(t *testing.T) {
	boom := errors.New("store down")
	retriever := &scriptedRetriever{errs: []error{boom, boom}}
	g := NewGateway(retriever, time.Millisecond, time.Second)

	records, err := g.Lookup(context.Background(), understand.Entities{})
	if !errors.Is(err, ErrRetrievalUnavailable) {
		t.Fatalf("err = %v, want ErrRetrievalUnavailable", err)
	}
	if len(records) != 0 {
		t.Fatalf("records = %+v, want none", records)
	}
	if retriever.calls != 2 {
		t.Fatalf("retriever called %d times, want 2", retriever.calls)
	}
}

func TestGatewayHonorsCancellation(t *testing.T) {
	boom := errors.New("store down")
	retriever := &scriptedRetriever{errs: []error{boom, boom}}
	g := NewGateway(retriever, time.Hour, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := g.Lookup(ctx, understand.Entities{})
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Lookup did not return after cancellation")
	}
}

func TestPolicyIDPreference(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]string
		want   string
	}{
		{"policy id wins", map[string]string{"policy_id": "POL-9", "claim_number": "12345"}, "POL-9"},
		{"claim number fallback", map[string]string{"claim_number": "12345"}, "12345"},
		{"neither", map[string]string{"customer_name": "Ada"}, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := policyID(understand.Entities{Fields: tc.fields})
			if got != tc.want {
				t.Fatalf("policyID = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSearchTerms(t *testing.T) {
	got := searchTerms(understand.Entities{Fields: map[string]string{
		"customer_name": "Ada Nowak",
		"incident_type": "water damage",
	}})
	if got != "Ada Nowak water damage" {
		t.Fatalf("searchTerms = %q", got)
	}
}
