// Package kin is an event-sourced engine for shared family task lists.
//
// Every change to a task is an immutable event appended to the task's stream
// under an optimistic version check. Current state is derived by folding
// the stream, optionally starting from a snapshot, and a projection keeps a
// denormalized, query-optimized copy for listing.
//
// # Quick Start
//
// Create an event store with the in-memory adapter for development:
//
//	import (
//	    "github.com/AshkanYarmoradi/go-kin"
//	    "github.com/AshkanYarmoradi/go-kin/adapters/memory"
//	)
//
//	adapter := memory.NewAdapter()
//	store := kin.New(adapter)
//	processor := kin.NewProcessor(store)
//
// For production, use the PostgreSQL adapter:
//
//	adapter, err := postgres.NewAdapter(connStr)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := adapter.Initialize(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	store := kin.New(adapter)
//
// # Commands
//
// Commands are validated, checked against the current task state and turned
// into events. Conflicting writers are retried with jittered exponential
// backoff up to a bounded number of attempts:
//
//	res, err := processor.Handle(ctx, kin.CreateTask{
//	    CommandBase: kin.CommandBase{TenantID: "family-1", ActorID: "alice"},
//	    Title:       "Buy milk",
//	})
//
//	_, err = processor.Handle(ctx, kin.CompleteTask{
//	    CommandBase: kin.CommandBase{TenantID: "family-1", ActorID: "bob", TaskID: res.TaskID},
//	})
//
// Errors map onto a small taxonomy (validation, not found, conflict,
// corrupt stream, transient, authorization); see KindOf and HTTPStatus.
//
// # Projections
//
// The projection updater consumes a change feed at least once and keeps one
// row per task plus an active index. Applying the same event twice is a
// no-op:
//
//	updater := kin.NewProjectionUpdater(adapter, kin.WithDeadLetters(dlq))
//	sub, _ := adapter.SubscribeAll(ctx, 0)
//	consumer := kin.NewConsumer(kin.NewChannelFeed(sub), updater)
//	go consumer.Run(ctx)
//
// # Snapshots
//
// The snapshot manager materializes task state once enough events, or
// enough time, have accumulated since the last snapshot:
//
//	snapshots := kin.NewSnapshotManager(store, adapter)
//	processor := kin.NewProcessor(store, kin.WithLoader(snapshots.Loader()))
package kin

// Version returns the library version string.
func Version() string {
	return "0.1.0"
}
