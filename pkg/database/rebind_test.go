package database

import "testing"

func TestRebind(t *testing.T) {
	t.Parallel()

	const q = "SELECT * FROM object WHERE cache_id = ? AND store_path_hash = ?"

	if got := rebind(TypeSQLite, q); got != q {
		t.Fatalf("sqlite: expected query unchanged, got %q", got)
	}

	want := "SELECT * FROM object WHERE cache_id = $1 AND store_path_hash = $2"
	if got := rebind(TypePostgreSQL, q); got != want {
		t.Fatalf("postgres: got %q, want %q", got, want)
	}
}
