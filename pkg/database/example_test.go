package database_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/visitorhub/dbcore/pkg/database"
)

type visitor struct {
	ID   int64  `db:"id"`
	Name string `db:"name"`
	Host string `db:"host"`
}

func Example() {
	dir, err := os.MkdirTemp("", "dbcore-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	cfg := database.DefaultConfig()
	cfg.DSN = filepath.Join(dir, "office.db")
	cfg.Pool.Min = 1

	db, err := database.New(cfg)
	if err != nil {
		log.Fatal(err)
	}
	ctx := context.Background()
	if err := db.Connect(ctx); err != nil {
		log.Fatal(err)
	}
	defer db.Close(ctx)

	if _, err := db.Run(ctx, `CREATE TABLE visitors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		host TEXT NOT NULL
	)`); err != nil {
		log.Fatal(err)
	}

	// Register two visitors atomically.
	results, err := db.Transaction(ctx, []database.Statement{
		{Query: "INSERT INTO visitors (name, host) VALUES (?, ?)", Args: []interface{}{"Ada", "reception"}},
		{Query: "INSERT INTO visitors (name, host) VALUES (?, ?)", Args: []interface{}{"Grace", "floor 3"}},
	})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("inserted:", len(results))

	var v visitor
	found, err := db.Get(ctx, &v, "SELECT * FROM visitors WHERE name = ?", "Grace")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(found, v.Name, v.Host)

	var all []visitor
	if err := db.All(ctx, &all, "SELECT * FROM visitors ORDER BY id"); err != nil {
		log.Fatal(err)
	}
	fmt.Println("visitors:", len(all))

	// Output:
	// inserted: 2
	// true Grace floor 3
	// visitors: 2
}

func ExampleDB_WithTransaction() {
	dir, err := os.MkdirTemp("", "dbcore-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	cfg := database.DefaultConfig()
	cfg.DSN = filepath.Join(dir, "office.db")

	db, err := database.New(cfg)
	if err != nil {
		log.Fatal(err)
	}
	ctx := context.Background()
	if err := db.Connect(ctx); err != nil {
		log.Fatal(err)
	}
	defer db.Close(ctx)

	if _, err := db.Run(ctx, "CREATE TABLE desks (id INTEGER PRIMARY KEY, booked_by TEXT)"); err != nil {
		log.Fatal(err)
	}
	if _, err := db.Run(ctx, "INSERT INTO desks (id) VALUES (1)"); err != nil {
		log.Fatal(err)
	}

	err = db.WithTransaction(ctx, func(ctx context.Context, exec database.Executor) error {
		var bookedBy *string
		if _, err := exec.Get(ctx, &bookedBy, "SELECT booked_by FROM desks WHERE id = 1"); err != nil {
			return err
		}
		if bookedBy != nil {
			return fmt.Errorf("desk already booked by %s", *bookedBy)
		}
		_, err := exec.Run(ctx, "UPDATE desks SET booked_by = ? WHERE id = 1", "Ada")
		return err
	})
	fmt.Println("booking error:", err)

	var bookedBy string
	if _, err := db.Get(ctx, &bookedBy, "SELECT booked_by FROM desks WHERE id = 1"); err != nil {
		log.Fatal(err)
	}
	fmt.Println("booked by:", bookedBy)

	// Output:
	// booking error: <nil>
	// booked by: Ada
}
