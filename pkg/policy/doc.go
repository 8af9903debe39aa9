// Package policy checks operation plans against Open Policy Agent guardrails
// before they launch.
//
// Every policy is a Rego module that defines a `deny` set. The input document
// is the plan and the request that produced it:
//
//	input.plan.phases[_].type              "destroy", "update", ...
//	input.plan.phases[_].instances[_]      {instanceId, parentId, message, ...}
//	input.request.type                     the operation type
//	input.request.instanceIds              the requested instances
//	input.request.options                  the operation options
//
// Members of `deny` are either strings or objects with `message` and
// optional `severity`, `instance` and `details` keys. Error and critical
// violations reject the plan; warning and info findings are reported.
//
// # Built-in policies
//
//   - force-delete-state (error): forceDeleteState outside destroy and recreate.
//   - cascading-destroy (warning): destroyed instances that were not requested.
//   - ignore-dependencies (info): plans that skip out-of-date dependencies.
//
// # User policies
//
// .rego files are named after the file. Leading comments form the
// description and a `# severity: <level>` comment sets the default severity.
// .json files carry a serialized Policy.
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"policies"}); err != nil {
//	    return err
//	}
//	runner, err := operation.NewRunner(cfg, applier, store, logger,
//	    operation.WithPlanChecker(eng))
//
// Engine.Watch reloads user policies when files change. Documents published
// with Engine.SetData are visible to policies as data.stratus.<key>.
package policy
