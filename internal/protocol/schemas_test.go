package protocol

import (
	"errors"
	"testing"
)

func TestSchemas_PlaceResponse(t *testing.T) {
	s, err := CompileSchema(SchemaPlaceResponse)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if err := ValidateJSON(s, []byte(`{"success":true,"waitSeconds":4,"coolDownSeconds":4}`)); err != nil {
		t.Fatalf("valid response rejected: %v", err)
	}
	for _, raw := range []string{
		`{"success":true}`,
		`{"success":"yes","waitSeconds":1}`,
		`not json`,
	} {
		if err := ValidateJSON(s, []byte(raw)); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%s: err=%v want ErrMalformed", raw, err)
		}
	}
}

func TestSchemas_Exclusions(t *testing.T) {
	s, err := CompileSchema(SchemaExclusions)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if err := ValidateJSON(s, []byte(`{"exclusions":[{"x1":-5,"y1":-5,"x2":5,"y2":5}]}`)); err != nil {
		t.Fatalf("valid feed rejected: %v", err)
	}
	if err := ValidateJSON(s, []byte(`{"exclusions":[{"x1":1.5,"y1":0,"x2":2,"y2":2}]}`)); err == nil {
		t.Fatalf("fractional bound accepted")
	}
	if err := ValidateJSON(s, []byte(`{}`)); err == nil {
		t.Fatalf("missing exclusions accepted")
	}
}
