package router

import (
	"context"

	"github.com/goydb/syncd/store"
)

func withDatabase(ctx context.Context, db store.Database) context.Context {
	return context.WithValue(ctx, dbCtxKey, db)
}

func databaseFrom(ctx context.Context) store.Database {
	db, _ := ctx.Value(dbCtxKey).(store.Database)
	return db
}
