// Package attendcore wires the offline-first attendance core into one
// object: the key-value backend, audit log, integrity signer, record store,
// storage optimizer, sync policies, connection monitor, sync queue and
// backup engine.
//
// # Lifecycle
//
// Open builds every service but starts nothing. Start launches the
// connection probe, the sync sweep and the storage cleanup schedulers;
// Close stops them and releases the backend. A Core that was never started
// is still fully usable for one-shot work such as the attendctl commands.
//
// # Concurrency Safety
//
//   - All methods are safe for concurrent use within one process.
//
//   - Two processes sharing a backend race last-write-wins unless the
//     writer lease is enabled (writer_lock.enabled) and mutating callers
//     go through WithWriterLease.
//
// # Usage
//
//	cfg, _ := config.Load(dataDir)
//	core, err := attendcore.Open(ctx, cfg, attendcore.Options{DataDir: dataDir})
//	defer core.Close()
//	core.Start(ctx)
//	rec, err := core.Add(ctx, model.CollectionClockRecords, item, actor)
package attendcore
