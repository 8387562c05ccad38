// Package relorm is an association engine for SQL databases.
//
// Models are declared on a Registry together with their associations
// (many_to_one, one_to_many, one_to_one, many_to_many, many_through_many,
// the PostgreSQL array types and recursive trees). Registry.Finalize
// resolves every association's defaults and checks them, after which a
// Database can load associations three ways:
//
//   - lazily, one query per instance, with Database.Load;
//   - eagerly with Dataset.Eager, one query per association for the whole
//     result set;
//   - eagerly with Dataset.EagerGraph, as JOINs of the main query.
//
// Loaded objects are cached on each Instance. Database.Add, Remove,
// RemoveAll and SetAssociated modify associations and keep the cache in
// sync.
//
// Basic usage:
//
//	r := relorm.NewRegistry()
//	r.Define("Artist", "artists").OneToMany("albums")
//	r.Define("Album", "albums").ManyToOne("artist")
//	if err := r.Finalize(); err != nil {
//		return err
//	}
//
//	db, err := relorm.Open(relorm.Config{Driver: "sqlite3", DSN: "app.db"})
//	artists, err := db.Dataset(r.MustModel("Artist")).Eager("albums").All(ctx)
package relorm
