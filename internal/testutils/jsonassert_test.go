package testutils

import (
	"strings"
	"testing"
)

func TestMustJSON(t *testing.T) {
	got := MustJSON(map[string]int{"battery": 87})
	if got != `{"battery":87}` {
		t.Errorf("unexpected JSON: %s", got)
	}
}

func TestJSONAsserter_EqualDocuments(t *testing.T) {
	ja := NewJSONAsserter(&testing.T{})

	doc := `{"address": "aa:bb:cc:dd:ee:ff", "rssi": -45, "services": ["180f"]}`
	if diff := ja.diff(doc, doc); diff != "" {
		t.Errorf("Expected no diff for equal documents, got: %s", diff)
	}
}

func TestJSONAsserter_ValueMismatch(t *testing.T) {
	ja := NewJSONAsserter(&testing.T{})

	actualJSON := `{"address": "aa:bb:cc:dd:ee:ff", "name": "wrong"}`
	expectedJSON := `{"address": "aa:bb:cc:dd:ee:ff", "name": "EBikeSensor"}`

	diff := ja.diff(actualJSON, expectedJSON)
	if diff == "" {
		t.Error("Expected diff for mismatched values, got no diff")
	}
	if !strings.Contains(diff, "name") {
		t.Errorf("Expected diff to mention 'name' field, got: %s", diff)
	}
}

func TestJSONAsserter_PresencePlaceholder(t *testing.T) {
	ja := NewJSONAsserter(&testing.T{})

	actualJSON := `{"address": "aa:bb:cc:dd:ee:ff", "lastSeen": "2026-08-25T10:15:04Z"}`
	expectedJSON := `{"address": "aa:bb:cc:dd:ee:ff", "lastSeen": "<<PRESENCE>>"}`

	if diff := ja.diff(actualJSON, expectedJSON); diff != "" {
		t.Errorf("Expected placeholder to match any value, got: %s", diff)
	}
}

func TestJSONAsserter_NilArrayNormalization(t *testing.T) {
	ja := NewJSONAsserter(&testing.T{})

	t.Run("null equals null", func(t *testing.T) {
		actualJSON := `{"services": null}`
		expectedJSON := `{"services": null}`

		if diff := ja.diff(actualJSON, expectedJSON); diff != "" {
			t.Errorf("null should equal null, got diff: %s", diff)
		}
	})

	t.Run("null actual matches empty expected array", func(t *testing.T) {
		actualJSON := `{"services": null}`
		expectedJSON := `{"services": []}`

		if diff := ja.diff(actualJSON, expectedJSON); diff != "" {
			t.Errorf("null should be normalized to [], got diff: %s", diff)
		}
	})

	t.Run("null actual does not match populated array", func(t *testing.T) {
		actualJSON := `{"services": null}`
		expectedJSON := `{"services": ["180f"]}`

		if diff := ja.diff(actualJSON, expectedJSON); diff == "" {
			t.Error("null should not match a populated array")
		}
	})
}

func TestJSONAsserter_IgnoreExtraKeys(t *testing.T) {
	actualJSON := `{"address": "aa:bb:cc:dd:ee:ff", "name": "EBikeSensor", "advertisements": 4}`
	expectedJSON := `{"address": "aa:bb:cc:dd:ee:ff", "name": "EBikeSensor"}`

	t.Run("extra actual keys ignored by default", func(t *testing.T) {
		ja := NewJSONAsserter(&testing.T{})

		if diff := ja.diff(actualJSON, expectedJSON); diff != "" {
			t.Errorf("Expected no diff with IgnoreExtraKeys enabled, got: %s", diff)
		}
	})

	t.Run("extra actual keys reported when disabled", func(t *testing.T) {
		ja := NewJSONAsserter(&testing.T{}).WithOptions(
			WithIgnoreExtraKeys(false),
		)

		if diff := ja.diff(actualJSON, expectedJSON); diff == "" {
			t.Error("Expected diff with IgnoreExtraKeys disabled, got no diff")
		}
	})

	t.Run("missing expected keys reported either way", func(t *testing.T) {
		ja := NewJSONAsserter(&testing.T{})

		diff := ja.diff(`{"address": "aa:bb:cc:dd:ee:ff"}`, expectedJSON)
		if diff == "" {
			t.Error("Expected diff for a missing expected key, got no diff")
		}
	})
}

func TestJSONAsserter_IgnoredFields(t *testing.T) {
	t.Run("ignores volatile fields everywhere", func(t *testing.T) {
		ja := NewJSONAsserter(&testing.T{}).WithOptions(
			WithIgnoredFields("firstSeen", "lastSeen"),
		)

		actualJSON := `{
			"devices": [
				{"address": "aa:bb:cc:dd:ee:ff", "firstSeen": "2026-08-25T10:00:00Z", "lastSeen": "2026-08-25T10:00:09Z"}
			],
			"lastSeen": "2026-08-25T10:00:09Z"
		}`
		expectedJSON := `{
			"devices": [
				{"address": "aa:bb:cc:dd:ee:ff", "firstSeen": "1970-01-01T00:00:00Z", "lastSeen": "1970-01-01T00:00:00Z"}
			],
			"lastSeen": "1970-01-01T00:00:00Z"
		}`

		if diff := ja.diff(actualJSON, expectedJSON); diff != "" {
			t.Errorf("Expected no diff with ignored fields, got: %s", diff)
		}
	})

	t.Run("still reports other fields", func(t *testing.T) {
		ja := NewJSONAsserter(&testing.T{}).WithOptions(
			WithIgnoredFields("lastSeen"),
		)

		actualJSON := `{"name": "wrong", "lastSeen": "2026-08-25T10:00:09Z"}`
		expectedJSON := `{"name": "EBikeSensor", "lastSeen": "1970-01-01T00:00:00Z"}`

		diff := ja.diff(actualJSON, expectedJSON)
		if diff == "" {
			t.Error("Expected diff for non-ignored field, got no diff")
		}
		if !strings.Contains(diff, "name") {
			t.Errorf("Expected diff to mention 'name', got: %s", diff)
		}
	})
}

func TestJSONAsserter_IgnoreArrayOrder(t *testing.T) {
	t.Run("reordered elements match when enabled", func(t *testing.T) {
		ja := NewJSONAsserter(&testing.T{}).WithOptions(
			WithIgnoreArrayOrder(true),
		)

		actualJSON := `{"services": ["1816", "180f", "1800"]}`
		expectedJSON := `{"services": ["1800", "180f", "1816"]}`

		if diff := ja.diff(actualJSON, expectedJSON); diff != "" {
			t.Errorf("Expected no diff with IgnoreArrayOrder enabled, got: %s", diff)
		}
	})

	t.Run("reordered elements fail when disabled", func(t *testing.T) {
		ja := NewJSONAsserter(&testing.T{})

		actualJSON := `{"services": ["1816", "180f"]}`
		expectedJSON := `{"services": ["180f", "1816"]}`

		if diff := ja.diff(actualJSON, expectedJSON); diff == "" {
			t.Error("Expected diff with IgnoreArrayOrder disabled, got no diff")
		}
	})

	t.Run("different elements fail regardless", func(t *testing.T) {
		ja := NewJSONAsserter(&testing.T{}).WithOptions(
			WithIgnoreArrayOrder(true),
		)

		actualJSON := `{"services": ["180f", "1816"]}`
		expectedJSON := `{"services": ["180f", "1812"]}`

		if diff := ja.diff(actualJSON, expectedJSON); diff == "" {
			t.Error("Expected diff for different elements, got no diff")
		}
	})

	t.Run("object arrays sort by their JSON form", func(t *testing.T) {
		ja := NewJSONAsserter(&testing.T{}).WithOptions(
			WithIgnoreArrayOrder(true),
		)

		actualJSON := `{"devices": [{"address": "11:22:33:44:55:66"}, {"address": "aa:bb:cc:dd:ee:ff"}]}`
		expectedJSON := `{"devices": [{"address": "aa:bb:cc:dd:ee:ff"}, {"address": "11:22:33:44:55:66"}]}`

		if diff := ja.diff(actualJSON, expectedJSON); diff != "" {
			t.Errorf("Expected no diff with object arrays sorted, got: %s", diff)
		}
	})

	t.Run("ignored fields removed before sorting", func(t *testing.T) {
		// A volatile field would otherwise still influence the element
		// order and break the comparison.
		ja := NewJSONAsserter(&testing.T{}).WithOptions(
			WithIgnoreArrayOrder(true),
			WithIgnoredFields("seq"),
		)

		actualJSON := `{
			"records": [
				{"field": "current", "seq": 9},
				{"field": "voltage", "seq": 2}
			]
		}`
		expectedJSON := `{
			"records": [
				{"field": "voltage", "seq": 1},
				{"field": "current", "seq": 1}
			]
		}`

		if diff := ja.diff(actualJSON, expectedJSON); diff != "" {
			t.Errorf("Expected no diff with IgnoreArrayOrder + IgnoredFields, got: %s", diff)
		}
	})
}

func TestJSONAsserter_RootArray(t *testing.T) {
	ja := NewJSONAsserter(&testing.T{}).WithOptions(
		WithIgnoreArrayOrder(true),
	)

	actualJSON := `[{"field": "battery", "value": 87}, {"field": "voltage", "value": 36.5}]`
	expectedJSON := `[{"field": "voltage", "value": 36.5}, {"field": "battery", "value": 87}]`

	if diff := ja.diff(actualJSON, expectedJSON); diff != "" {
		t.Errorf("Expected root-level arrays to compare, got: %s", diff)
	}
}

func TestJSONAsserter_InvalidJSON(t *testing.T) {
	ja := NewJSONAsserter(&testing.T{})

	t.Run("invalid expected JSON", func(t *testing.T) {
		diff := ja.diff(`{"valid": "json"}`, `{"invalid": json}`)
		if !strings.Contains(diff, "invalid expected JSON") {
			t.Errorf("Expected error about invalid expected JSON, got: %s", diff)
		}
	})

	t.Run("invalid actual JSON", func(t *testing.T) {
		diff := ja.diff(`{"invalid": json}`, `{"valid": "json"}`)
		if !strings.Contains(diff, "invalid actual JSON") {
			t.Errorf("Expected error about invalid actual JSON, got: %s", diff)
		}
	})
}

func TestJSONAsserter_ReportsThroughTestingT(t *testing.T) {
	mockT := &mockTestingT{}
	ja := &JSONAsserter{t: mockT, options: JSONAssertOptions{IgnoreExtraKeys: true}}

	ja.Assert(`{"battery": 87}`, `{"battery": 87}`)
	if mockT.errorCalled {
		t.Errorf("Expected no failure for matching JSON, got: %s", mockT.errorMessage)
	}

	ja.Assert(`{"battery": 12}`, `{"battery": 87}`)
	if !mockT.errorCalled {
		t.Error("Expected a failure for mismatched JSON")
	}
	if !strings.Contains(mockT.errorMessage, "JSON assertion failed") {
		t.Errorf("Expected error message to contain 'JSON assertion failed', got: %s", mockT.errorMessage)
	}
}
