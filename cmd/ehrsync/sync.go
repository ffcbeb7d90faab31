package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/clinicops/ehrsync/internal/domain/ehrsync"
	"github.com/clinicops/ehrsync/internal/ehr"
)

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push or pull patients and kartes for one tenant",
	}

	push := &cobra.Command{
		Use:   "push <patient-id>...",
		Short: "Push internal patients to the tenant's EHR",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTenantAdapter(cmd, func(r *runner) error {
				withKartes, _ := cmd.Flags().GetBool("kartes")
				for _, id := range args {
					res := r.app.svc.PushPatient(r.ctx, r.tenantID, id, r.adapter)
					r.print(res)
					if withKartes && res.Status == ehrsync.StatusSuccess {
						r.print(r.app.svc.PushKarte(r.ctx, r.tenantID, id, r.adapter))
					}
				}
				return nil
			})
		},
	}
	push.Flags().Bool("kartes", false, "Also push every intake note as a karte")

	pull := &cobra.Command{
		Use:   "pull <external-id>...",
		Short: "Pull patients from the tenant's EHR by their external id",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTenantAdapter(cmd, func(r *runner) error {
				withKartes, _ := cmd.Flags().GetBool("kartes")
				for _, id := range args {
					res := r.app.svc.PullPatient(r.ctx, r.tenantID, id, r.adapter)
					r.print(res)
					if withKartes && res.Status == ehrsync.StatusSuccess {
						r.print(r.app.svc.PullKarte(r.ctx, r.tenantID, res.PatientID, r.adapter))
					}
				}
				return nil
			})
		},
	}
	pull.Flags().Bool("kartes", false, "Also import the patient's kartes as intake notes")

	batch := &cobra.Command{
		Use:   "batch [patient-id]...",
		Short: "Sync many internal patients in one direction",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("direction")
			direction := ehrsync.Direction(dir)
			if !direction.Valid() {
				return fmt.Errorf("--direction must be push or pull, got %q", dir)
			}
			ids := args
			if file, _ := cmd.Flags().GetString("file"); file != "" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				fromFile, err := readIDs(f)
				if err != nil {
					return fmt.Errorf("read %s: %w", file, err)
				}
				ids = append(ids, fromFile...)
			}
			if len(ids) == 0 {
				return fmt.Errorf("no patient ids given")
			}

			return withTenantAdapter(cmd, func(r *runner) error {
				results := r.app.svc.SyncBatch(r.ctx, r.tenantID, ids, direction, r.adapter)
				for _, res := range results {
					r.print(res)
				}
				r.print(ehrsync.Summarize(results))
				return nil
			})
		},
	}
	batch.Flags().String("direction", "push", "push or pull")
	batch.Flags().String("file", "", "File with one patient id per line")

	search := &cobra.Command{
		Use:   "search",
		Short: "Search the tenant's EHR for patients",
		RunE: func(cmd *cobra.Command, args []string) error {
			var q ehr.SearchQuery
			q.Name, _ = cmd.Flags().GetString("name")
			q.Tel, _ = cmd.Flags().GetString("tel")
			q.Birthday, _ = cmd.Flags().GetString("birthday")
			return withTenantAdapter(cmd, func(r *runner) error {
				matches, err := r.app.svc.SearchPatients(r.ctx, r.tenantID, q, r.adapter)
				if err != nil {
					return err
				}
				for _, m := range matches {
					r.print(m)
				}
				return nil
			})
		},
	}
	search.Flags().String("name", "", "Patient name or part of it")
	search.Flags().String("tel", "", "Phone number")
	search.Flags().String("birthday", "", "Birthday, YYYY-MM-DD")

	cmd.AddCommand(push, pull, batch, search)
	return cmd
}

func connectionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connection",
		Short: "Inspect the tenant's EHR connection",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "test",
		Short: "Probe the configured EHR",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTenantAdapter(cmd, func(r *runner) error {
				res := r.app.svc.TestConnection(r.ctx, r.tenantID, r.adapter)
				r.print(map[string]any{"provider": r.adapter.Provider(), "ok": res.OK, "message": res.Message})
				if !res.OK {
					return fmt.Errorf("connection test failed: %s", res.Message)
				}
				return nil
			})
		},
	})
	return cmd
}

// readIDs returns the non-blank lines of r; '#' starts a comment line.
func readIDs(r io.Reader) ([]string, error) {
	var ids []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	return ids, sc.Err()
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
