package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/md-rashed-zaman/tenantflow/libs/config"
	"github.com/md-rashed-zaman/tenantflow/libs/db"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/migrations"
)

func main() {
	direction := flag.String("direction", config.String("MIGRATE_DIRECTION", "up"), "up or down")
	flag.Parse()

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		fatal(err)
	}
	if err := db.Migrate(dbURL, migrations.FS, ".", *direction); err != nil {
		fatal(err)
	}
	fmt.Printf("migrations applied (%s)\n", *direction)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(2)
}
