package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func settingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change the tenant's EHR settings",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the EHR settings with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRunner(cmd)
			if err != nil {
				return err
			}
			defer r.app.Close()

			s, err := r.app.adapters.Settings(r.ctx, r.tenantID)
			if err != nil {
				return err
			}
			r.print(s)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:     "set <key>=<value>...",
		Short:   "Store EHR settings; an empty provider disables sync",
		Example: "  ehrsync settings set --tenant clinic_a provider=fhir fhir_base_url=https://fhir.example/r4",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseAssignments(args)
			if err != nil {
				return err
			}
			r, err := newRunner(cmd)
			if err != nil {
				return err
			}
			defer r.app.Close()

			if err := r.app.adapters.Configure(r.ctx, r.tenantID, values); err != nil {
				return err
			}
			s, err := r.app.adapters.Settings(r.ctx, r.tenantID)
			if err != nil {
				return err
			}
			r.print(s)
			return nil
		},
	})
	return cmd
}

// parseAssignments turns key=value arguments into a map. The value may be
// empty; the key may not.
func parseAssignments(args []string) (map[string]string, error) {
	out := make(map[string]string, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		out[k] = v
	}
	return out, nil
}
