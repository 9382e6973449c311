// Package postgres implements the store using pgx/v5 with raw SQL.
// Claims use SELECT FOR UPDATE SKIP LOCKED so concurrent workers never
// block on or double-claim the same rows. Schema migrations ship
// embedded and are applied in filename order on Migrate.
package postgres
