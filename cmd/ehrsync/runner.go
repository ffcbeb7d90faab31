package main

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/clinicops/ehrsync/internal/ehr"
)

// runner carries what a one-shot CLI command needs to call the service.
type runner struct {
	ctx      context.Context
	app      *app
	tenantID string
	adapter  ehr.Adapter
	out      io.Writer
}

func (r *runner) print(v any) { printJSON(r.out, v) }

func newRunner(cmd *cobra.Command) (*runner, error) {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return nil, err
	}
	tenantID, err := a.tenant(cmd)
	if err != nil {
		a.Close()
		return nil, err
	}
	return &runner{ctx: ctx, app: a, tenantID: tenantID, out: cmd.OutOrStdout()}, nil
}

// withTenantAdapter runs fn with the adapter configured for --tenant.
func withTenantAdapter(cmd *cobra.Command, fn func(r *runner) error) error {
	r, err := newRunner(cmd)
	if err != nil {
		return err
	}
	defer r.app.Close()

	r.adapter, err = r.app.adapters.ForTenant(r.ctx, r.tenantID)
	if err != nil {
		return err
	}
	return fn(r)
}
