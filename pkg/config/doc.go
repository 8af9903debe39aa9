// Package config loads the workspace configuration file, stratus.cue.
//
// The file holds a single `workspace` block. It is unified with a built-in
// CUE schema that supplies defaults and rejects unknown fields, then checked
// with validator struct tags:
//
//	workspace: {
//		name:             "platform"
//		libraryPath:      "library"          // CUE file or directory
//		projectsPath:     "projects"         // <project>.yaml files
//		statePath:        ".stratus/state.db"
//		parallelism:      10
//		compositeTimeout: "10s"
//		policyPaths: ["policies"]
//		telemetry: {
//			logLevel:  "info"
//			logFormat: "console"
//			tracing: exporter: "none"
//			metrics: address: ":9090"
//		}
//	}
//
// Relative paths are resolved against the directory holding the file.
// Errors carry file positions where CUE reports them:
//
//	ws, err := config.Load(".")
//	var lerr *config.LoadError
//	if errors.As(err, &lerr) {
//	    for _, ve := range lerr.Errors {
//	        fmt.Println(ve)
//	    }
//	}
package config
