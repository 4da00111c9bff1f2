package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/mining-intel/internal/config"
	"github.com/sells-group/mining-intel/internal/model"
	"github.com/sells-group/mining-intel/internal/store"
)

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "Inspect discovered candidate documents",
}

// -- docs count --

var docsCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Count candidate documents",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		filter, err := documentFilterFromFlags(cmd)
		if err != nil {
			return err
		}

		st, err := openStore(ctx, config.ModeStore)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.CountDocuments(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "docs count")
		}
		_, err = fmt.Fprintln(os.Stdout, n)
		return err
	},
}

// -- docs list --

var docsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List candidate documents, newest filings first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		filter, err := documentFilterFromFlags(cmd)
		if err != nil {
			return err
		}
		filter.Limit, _ = cmd.Flags().GetInt("limit")
		filter.Offset, _ = cmd.Flags().GetInt("offset")

		st, err := openStore(ctx, config.ModeStore)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		docs, err := st.ListDocuments(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "docs list")
		}
		if len(docs) == 0 {
			fmt.Fprintln(os.Stderr, "No documents found.")
			return nil
		}

		formatDocumentsList(os.Stdout, docs)
		return nil
	},
}

// -- docs metrics --

var docsMetricsCmd = &cobra.Command{
	Use:   "metrics <document-id>",
	Short: "Show extracted metrics for a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, config.ModeStore)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		results, err := st.ListMetrics(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "docs metrics")
		}
		if len(results) == 0 {
			fmt.Fprintln(os.Stderr, "No metrics extracted yet.")
			return nil
		}

		formatMetrics(os.Stdout, results)
		return nil
	},
}

func addDocumentFlags(c *cobra.Command) {
	c.Flags().String("label", "", "filter by exhibit label")
	c.Flags().String("cik", "", "filter by company CIK")
	c.Flags().String("processed", "", "filter by extraction state (true or false)")
}

func init() {
	addDocumentFlags(docsCountCmd)
	addDocumentFlags(docsListCmd)
	docsListCmd.Flags().Int("limit", 50, "max number of documents to display")
	docsListCmd.Flags().Int("offset", 0, "number of documents to skip")

	docsCmd.AddCommand(docsCountCmd)
	docsCmd.AddCommand(docsListCmd)
	docsCmd.AddCommand(docsMetricsCmd)
	rootCmd.AddCommand(docsCmd)
}

// documentFilterFromFlags reads the shared document filter flags.
func documentFilterFromFlags(cmd *cobra.Command) (store.DocumentFilter, error) {
	label, _ := cmd.Flags().GetString("label")
	cik, _ := cmd.Flags().GetString("cik")
	processed, _ := cmd.Flags().GetString("processed")

	filter := store.DocumentFilter{Label: label}
	if cik != "" {
		filter.CIK = model.NormalizeCIK(cik)
		if filter.CIK == "" {
			return filter, eris.Errorf("invalid --cik %q", cik)
		}
	}
	if processed != "" {
		b, err := strconv.ParseBool(processed)
		if err != nil {
			return filter, eris.Errorf("invalid --processed %q", processed)
		}
		filter.Processed = &b
	}
	return filter, nil
}

// formatDocumentsList writes a tabular list of documents to w.
func formatDocumentsList(out io.Writer, docs []model.CandidateDocument) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCIK\tCOMPANY\tFORM\tFILED\tLABEL\tPROCESSED\tURL")
	_, _ = fmt.Fprintln(w, "--\t---\t-------\t----\t-----\t-----\t---------\t---")

	for _, d := range docs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
			truncateID(d.ID),
			d.CIK,
			truncate(d.CompanyName, 30),
			d.FormType,
			d.FilingDate.Format(model.DateLayout),
			d.ExhibitLabel,
			d.Processed,
			d.DocumentURL,
		)
	}
	_ = w.Flush()
}

// formatMetrics writes extraction results to w. Fields without a value show
// as "not found".
func formatMetrics(out io.Writer, results []model.MetricResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "FIELD\tVALUE\tUNIT\tCONFIDENCE\tSTRATEGY")
	_, _ = fmt.Fprintln(w, "-----\t-----\t----\t----------\t--------")

	for _, r := range results {
		value := "not found"
		if r.Found && r.Value != nil {
			value = strconv.FormatFloat(*r.Value, 'f', -1, 64)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%s\n",
			r.Field,
			value,
			r.Unit,
			r.Confidence,
			r.Strategy,
		)
	}
	_ = w.Flush()
}
