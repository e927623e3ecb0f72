package quire_test

import (
	"context"
	"fmt"
	"os"

	"github.com/jpl-au/quire"
	"github.com/jpl-au/quire/memstore"
)

func Example() {
	store, _ := memstore.FromJSON([]byte(`{"users": {
		"u1": {"name": "Ann", "age": 20},
		"u2": {"name": "Bob", "age": 30},
		"u3": {"name": "Cid", "age": 30}
	}}`))
	dir, _ := os.MkdirTemp("", "quire-example")
	defer os.RemoveAll(dir)

	db, _ := quire.Open(dir, store, quire.Config{})
	defer db.Close()

	ctx := context.Background()
	ix, _ := db.CreateIndex(ctx, "users", "age", nil)
	n, _ := ix.Count(ctx, "between", []any{25, 35})
	fmt.Println(ix.FileName(), n)

	youngest, _ := ix.Take(ctx, 0, 1, true)
	fmt.Println(youngest.Items[0].Path, youngest.Items[0].Value)
	// Output:
	// users-age.idx 2
	// users/u1 20
}
