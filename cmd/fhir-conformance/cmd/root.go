// Package cmd implements the fhir-conformance command line.
package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/gofhir/conformance/pkg/validator"
)

// version is overridden at build time with -ldflags "-X".
var version = "0.1.0"

// Exit codes.
const (
	ExitValid   = 0
	ExitInvalid = 1
	ExitUsage   = 2
)

// exitCode ends the command with a status but no message.
type exitCode int

func (c exitCode) Error() string { return fmt.Sprintf("exit status %d", int(c)) }

// factory builds the validator; tests swap in an in-memory registry.
type factory func(opts ...validator.Option) (*validator.Validator, error)

func newRootCmd(newValidator factory) *cobra.Command {
	root := &cobra.Command{
		Use:   "fhir-conformance",
		Short: "FHIR resource conformance validator",
		Long: `fhir-conformance checks FHIR resources in JSON against the core
StructureDefinitions, the profiles they declare in meta.profile and any
profiles named on the command line.

Exit status is 0 when every resource is valid, 1 when at least one has
errors and 2 for usage or configuration problems.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newValidateCmd(newValidator), newVersionCmd())
	return root
}

// Execute runs the command line and returns the process exit status.
func Execute() int {
	return run(newRootCmd(validator.New), os.Args[1:], os.Stderr)
}

func run(root *cobra.Command, args []string, stderr io.Writer) int {
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return ExitValid
	}
	var code exitCode
	if errors.As(err, &code) {
		return int(code)
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return ExitUsage
}
