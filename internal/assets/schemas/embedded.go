// Package schemasassets provides embedded JSON schemas so validation works in
// installed binaries regardless of the working directory.
package schemasassets

import _ "embed"

// WorkflowManifestSchema is the embedded workflow-manifest JSON schema.
//
//go:embed workflow-manifest.schema.json
var WorkflowManifestSchema []byte
