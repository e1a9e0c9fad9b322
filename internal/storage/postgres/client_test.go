package postgres

import (
	"testing"

	"github.com/pmxt/pmxt-go/models"
)

func TestDSN(t *testing.T) {
	explicit := ClientConfig{DSN: "postgres://u:p@db:5432/x"}
	if got := DSN(explicit); got != "postgres://u:p@db:5432/x" {
		t.Errorf("explicit dsn = %q", got)
	}

	built := ClientConfig{Host: "localhost", User: "rec", Password: "pw", Database: "pmxt"}
	want := "postgres://rec:pw@localhost:5432/pmxt?sslmode=disable"
	if got := DSN(built); got != want {
		t.Errorf("built dsn = %q, want %q", got, want)
	}
}

func TestLevelsRoundTrip(t *testing.T) {
	in := []models.Level{{Price: 0.45, Size: 100}, {Price: 0.44, Size: 250.5}}
	data, err := levelsJSON(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := levelsFromJSON(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 2 || out[0] != in[0] || out[1] != in[1] {
		t.Errorf("round trip = %+v", out)
	}

	empty, err := levelsJSON(nil)
	if err != nil {
		t.Fatalf("encode empty: %v", err)
	}
	if string(empty) != "[]" {
		t.Errorf("empty side = %s, want []", empty)
	}
}
