package history

import "testing"

func TestEntitiesJSONScan(t *testing.T) {
	var e EntitiesJSON
	if err := e.Scan([]byte(`{"claim_number":"12345"}`)); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if e["claim_number"] != "12345" {
		t.Fatalf("entities = %v", e)
	}

	if err := e.Scan(nil); err != nil {
		t.Fatalf("Scan nil: %v", err)
	}
	if len(e) != 0 {
		t.Fatalf("entities after nil scan = %v", e)
	}
}

func TestEntitiesJSONValueNil(t *testing.T) {
	var e EntitiesJSON
	v, err := e.Value()
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	if string(v.([]byte)) != "{}" {
		t.Fatalf("value = %s", v)
	}
}
