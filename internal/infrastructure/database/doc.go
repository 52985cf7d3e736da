// Package database provides SQLite connectivity for the mqttsync state store.
//
// The database holds the last known value of every entity and an
// append-only history of value changes, so state survives restarts.
//
// Usage:
//
//	db, err := database.Open(ctx, cfg.Database)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    log.Fatal(err)
//	}
//
// Migrations are additive-only. Each migration has an .up.sql file and
// optionally a .down.sql file.
package database
