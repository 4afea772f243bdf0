// Package lib provides a Go SDK for managing and executing manus tasks
// programmatically.
//
// This package allows applications to create, monitor, and execute durable
// agent tasks without shelling out to the manusd CLI binary. It is useful
// for scripting, automation, and embedding the execution engine in a larger
// service.
//
// # Quick Start
//
// Create a client, submit a task, and drive it to completion:
//
//	client, err := lib.New(ctx, lib.Config{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Configure a credential slot (stored encrypted at rest).
//	client.SetSetting(ctx, "api_key_1", "sk-...")
//
//	// Create a task.
//	task, err := client.CreateTask(ctx, lib.CreateTaskOpts{
//	    Goal: "Summarize the quarterly report",
//	})
//
//	// Run cycles until nothing is runnable.
//	for {
//	    processed, err := client.ProcessNext(ctx)
//	    if err != nil || !processed {
//	        break
//	    }
//	}
//
//	task, _ = client.GetTask(ctx, task.ID)
//	fmt.Println(task.Status, task.Progress)
//
// Alternatively, [Client.RunPoller] runs the poll loop until context
// cancellation, which is what the manusd `run` command does.
//
// # Engines
//
// The SDK currently ships one engine type:
//
//   - [EngineFake]: In-process simulated engine for testing and local
//     development. No real model calls and no credentials consumed, though a
//     credential slot must still be configured for tasks to leave waiting.
//
// # Events
//
// Every state transition and cycle appends an immutable event. Poll them
// incrementally with the last seen sequence number:
//
//	events, _ := client.ListTaskEvents(ctx, task.ID, lastSeq, 0)
//	for _, ev := range events {
//	    fmt.Println(ev.Seq, ev.Type, ev.Message)
//	    lastSeq = ev.Seq
//	}
//
// # Cancellation
//
// Cancellation is cooperative: [Client.CancelTask] marks the task and the
// next cycle boundary finalizes it as cancelled. An in-flight engine cycle
// is never interrupted.
//
// # Error Handling
//
// All methods return errors that can be inspected with [errors.Is]:
//
//   - [ErrNotFound]: Task or setting does not exist.
//   - [ErrAlreadyExists]: Resource with the same id already exists.
//   - [ErrNotValid]: Invalid input (e.g. empty goal).
//
// # Testing
//
// Use [EngineFake] and a temporary data directory to write tests without
// real infrastructure:
//
//	client, _ := lib.New(ctx, lib.Config{
//	    DataDir: t.TempDir(),
//	    Engine:  lib.EngineFake,
//	})
//	defer client.Close()
//
// # Thread Safety
//
// A [Client] is safe for concurrent use from multiple goroutines. The
// underlying storage uses SQLite with WAL mode, and per-task claim leases
// keep concurrent pollers from running the same task twice.
package lib
