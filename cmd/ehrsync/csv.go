package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/clinicops/ehrsync/internal/domain/ehrsync"
	"github.com/clinicops/ehrsync/internal/ehr/mapper"
)

func csvCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "csv",
		Short: "Exchange patients and kartes with CSV files",
	}

	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import CSV files as internal patients and intake notes",
		Long: "Loads the files into the tenant's CSV adapter, pulls every patient row " +
			"into the internal store, then imports the karte rows of each pulled patient.",
		RunE: func(cmd *cobra.Command, args []string) error {
			patientsFile, _ := cmd.Flags().GetString("patients")
			kartesFile, _ := cmd.Flags().GetString("kartes")
			if patientsFile == "" {
				return fmt.Errorf("--patients is required")
			}

			r, err := newRunner(cmd)
			if err != nil {
				return err
			}
			defer r.app.Close()

			adapter := r.app.adapters.CSV(r.tenantID)
			text, err := readCSVFile(patientsFile)
			if err != nil {
				return err
			}
			patients := mapper.CSVToPatients(text)
			adapter.LoadPatients(patients)
			if kartesFile != "" {
				text, err := readCSVFile(kartesFile)
				if err != nil {
					return err
				}
				adapter.LoadKartesCSV(text)
			}

			var results []ehrsync.SyncResult
			for _, p := range patients {
				res := r.app.svc.PullPatient(r.ctx, r.tenantID, p.ExternalID, adapter)
				results = append(results, res)
				r.print(res)
				if kartesFile != "" && res.Status == ehrsync.StatusSuccess {
					r.print(r.app.svc.PullKarte(r.ctx, r.tenantID, res.PatientID, adapter))
				}
			}
			r.print(ehrsync.Summarize(results))
			return nil
		},
	}
	importCmd.Flags().String("patients", "", "Patient CSV file (UTF-8 or Shift_JIS)")
	importCmd.Flags().String("kartes", "", "Karte CSV file (UTF-8 or Shift_JIS)")

	exportCmd := &cobra.Command{
		Use:   "export <patient-id>...",
		Short: "Write internal patients and their intake notes to CSV files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outDir, _ := cmd.Flags().GetString("out")

			r, err := newRunner(cmd)
			if err != nil {
				return err
			}
			defer r.app.Close()

			adapter := r.app.adapters.CSV(r.tenantID)
			for _, id := range args {
				res := r.app.svc.PushPatient(r.ctx, r.tenantID, id, adapter)
				r.print(res)
				if res.Status == ehrsync.StatusSuccess {
					r.print(r.app.svc.PushKarte(r.ctx, r.tenantID, id, adapter))
				}
			}

			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return err
			}
			files := map[string]string{
				"patients.csv": adapter.ExportPatientsCSV(),
				"kartes.csv":   adapter.ExportKartesCSV(),
			}
			for name, body := range files {
				path := filepath.Join(outDir, name)
				if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
					return fmt.Errorf("write %s: %w", path, err)
				}
			}
			patients, kartes := adapter.Counts()
			r.print(map[string]any{"dir": outDir, "patients": patients, "kartes": kartes})
			return nil
		},
	}
	exportCmd.Flags().String("out", ".", "Output directory for patients.csv and kartes.csv")

	cmd.AddCommand(importCmd, exportCmd)
	return cmd
}

func readCSVFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return mapper.DecodeCSV(b), nil
}
