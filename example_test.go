package flatsql_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/SimonWaldherr/flatSQL"
)

func Example() {
	ctx := context.Background()
	dir, _ := os.MkdirTemp("", "flatsql")
	defer os.RemoveAll(dir)

	e, err := flatsql.Open(filepath.Join(dir, "app.fsql"))
	if err != nil {
		log.Fatal(err)
	}
	defer e.Close(ctx)

	e.Exec(ctx, "CREATE TABLE users (id INT AUTO_INCREMENT PRIMARY KEY, name TEXT)")
	e.Exec(ctx, "INSERT INTO users (name) VALUES ('Alice'), ('Bob')")

	cur, _ := e.Query(ctx, "SELECT id, name FROM users WHERE name = :n", flatsql.Named("n", "Bob"))
	for row, ok := cur.Fetch(flatsql.FetchAssoc); ok; row, ok = cur.Fetch(flatsql.FetchAssoc) {
		fmt.Println(row.Assoc["id"], row.Assoc["name"])
	}
	// Output: 2 Bob
}

func ExampleEngine_Describe() {
	ctx := context.Background()
	dir, _ := os.MkdirTemp("", "flatsql")
	defer os.RemoveAll(dir)

	e, _ := flatsql.Open(filepath.Join(dir, "app.fsql"))
	defer e.Close(ctx)

	e.Exec(ctx, "CREATE TABLE items (sku TEXT UNIQUE, qty INT DEFAULT 0)")
	cur, _ := e.Describe(ctx, "items")
	fields, _ := cur.Column("Field")
	fmt.Println(fields)
	// Output: [sku qty]
}

func ExampleSelect() {
	sql, args := flatsql.Select(flatsql.Col("name"), flatsql.Sum(flatsql.Col("qty"))).
		From("orders").
		Where(flatsql.Gt(flatsql.Col("qty"), flatsql.Val(0))).
		GroupBy("name").
		OrderBy("name").
		SQL()
	fmt.Println(sql)
	fmt.Println(args)
	// Output:
	// SELECT name, SUM(qty) FROM orders WHERE (qty > ?) GROUP BY name ORDER BY name
	// [0]
}
