// Package project loads and mutates projects and turns them into planner
// snapshots.
//
// A Service keeps one entry per project. Every mutation bumps the project
// revision and is written back to the project file. Resolving a project runs
// the input resolver over top-level instances, evaluates composites, then
// resolves inputs again over the expanded graph. The result is cached per
// project and library revision. Hashes and validation depend on instance
// state and are recomputed by every Snapshot call.
//
//	svc := project.NewService(dir, lib, store, logger)
//	snap, err := svc.Snapshot(ctx, "prod")
//	if err != nil {
//		return err
//	}
//	plan, err := planner.New(logger).Plan(ctx, req, snap)
package project
