// Command fhir-conformance validates FHIR resources against their
// StructureDefinitions and declared profiles.
package main

import (
	"os"

	"github.com/gofhir/conformance/cmd/fhir-conformance/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
