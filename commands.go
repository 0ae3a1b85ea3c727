package main

import (
	"github.com/mitchellh/cli"

	"github.com/hashicorp/k8s-consul-mutator/subcommand/mutator"
)

// Commands returns the mapping of all available subcommands. Trimmed to
// the single "mutate" entrypoint this binary runs as its container
// command; the teacher's multi-subcommand dispatch (inject, sync-catalog,
// server-acl-init, ...) doesn't apply to a single-purpose controller.
func Commands(ui cli.Ui) map[string]cli.CommandFactory {
	return map[string]cli.CommandFactory{
		"mutate": func() (cli.Command, error) {
			return &mutator.Command{UI: ui}, nil
		},
	}
}
