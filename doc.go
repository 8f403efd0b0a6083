// Package supervisor keeps the extensions of a plugin host alive. It watches every
// loaded extension with a dedicated health monitoring loop, turns a bad health
// status into a priority-ordered and cooldown-gated recovery attempt, and keeps
// verifiable backups and cheap snapshots that recovery can roll back to.
//
// Key Features:
//   - One monitoring loop per extension with a 0-100 health score and status bands
//   - Resource sampling (CPU, RSS, open handles, uptime) through gopsutil
//   - Closed set of custom probes: ping, API endpoint, database, gRPC health, custom
//   - Recovery actions (restart, rollback, restore backup, disable, notify, scale
//     down, clear cache) with priorities, cooldowns and attempt limits
//   - Checksummed tar.gz backups that are verified before every restore
//   - Pre-restore snapshots that roll a failed restore back automatically
//   - Append-only lifecycle event log with optional durable mirrors
//   - Prometheus metrics, structured logging and hot-reloadable configuration
//
// Basic Usage:
//
//	orch, err := supervisor.New(supervisor.Options{
//		Config:     supervisor.DefaultSupervisorConfig(),
//		Controller: myProcessController,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer orch.Shutdown(context.Background())
//
//	// Start monitoring an extension once the loader has started it
//	if err := orch.LoadExtension(ctx, "search-indexer"); err != nil {
//		log.Fatal(err)
//	}
//
//	// Take a backup before a risky upgrade
//	backup, err := orch.Backups().CreateBackup(ctx, "search-indexer", supervisor.BackupOptions{
//		Type:          supervisor.BackupFull,
//		IncludeCode:   true,
//		IncludeConfig: true,
//		IncludeData:   true,
//	})
//
// Process management, manifests, persistence and the migration planner are external
// collaborators; this package only consumes them through the interfaces declared in
// collaborators.go.
//
// Copyright (c) 2025 AGILira - A. Giordano
// SPDX-License-Identifier: MPL-2.0
package supervisor
