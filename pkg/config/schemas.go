package config

// workspaceSchema constrains the `workspace` block and supplies defaults.
const workspaceSchema = `
#Duration: =~"^[0-9]+(ms|s|m)$"

#Tracing: {
	exporter:   *"none" | "otlp" | "stdout"
	endpoint:   string | *""
	sampleRate: number & >=0 & <=1 | *1.0
}

#Telemetry: {
	logLevel:  *"info" | "debug" | "warn" | "error"
	logFormat: *"console" | "json"
	tracing:   #Tracing
	metrics: address: string | *""
}

#Workspace: {
	name:             string & =~"^[a-z][a-z0-9-]*$"
	libraryPath:      string | *"library"
	projectsPath:     string | *"projects"
	statePath:        string | *".stratus/state.db"
	parallelism:      int & >=1 & <=256 | *10
	compositeTimeout: #Duration | *"10s"
	policyPaths: [...string] | *[]
	telemetry: #Telemetry
}
`

// DefaultContent is the minimal workspace file written by `stratus init`.
const DefaultContent = `workspace: {
	name: "default"
}
`
