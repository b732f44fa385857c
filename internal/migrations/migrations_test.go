package migrations

import (
	"io/fs"
	"strings"
	"testing"
)

func TestFilesArePaired(t *testing.T) {
	names, err := fs.Glob(files, "sql/*.sql")
	if err != nil {
		t.Fatal(err)
	}
	if len(names) == 0 {
		t.Fatal("no migrations embedded")
	}

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, n := range names {
		base := strings.TrimPrefix(n, "sql/")
		switch {
		case strings.HasSuffix(base, ".up.sql"):
			ups[strings.TrimSuffix(base, ".up.sql")] = true
		case strings.HasSuffix(base, ".down.sql"):
			downs[strings.TrimSuffix(base, ".down.sql")] = true
		default:
			t.Errorf("unexpected file %s", n)
		}
	}
	for v := range ups {
		if !downs[v] {
			t.Errorf("%s has no down migration", v)
		}
	}
	for v := range downs {
		if !ups[v] {
			t.Errorf("%s has no up migration", v)
		}
	}
}
