package main

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/groundgen/groundgen/internal/api"
	"github.com/groundgen/groundgen/internal/compose"
	"github.com/groundgen/groundgen/internal/pipeline"
)

// --- sources ---

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Manage registered data sources",
}

var sourcesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a data source",
	Long: `Register a data source for later verification and ingestion.

Examples:
  groundgen sources add --url https://example.org --kind official_website
  groundgen sources add --file ./annual-report.pdf --kind annual_report`,
	RunE: func(cmd *cobra.Command, args []string) error {
		srcURL, _ := cmd.Flags().GetString("url")
		file, _ := cmd.Flags().GetString("file")
		kind, _ := cmd.Flags().GetString("kind")

		if (srcURL == "") == (file == "") {
			return fmt.Errorf("exactly one of --url or --file is required")
		}
		if srcURL != "" {
			if _, err := url.ParseRequestURI(srcURL); err != nil {
				return fmt.Errorf("invalid url: %w", err)
			}
		}
		if file != "" {
			abs, err := filepath.Abs(file)
			if err != nil {
				return fmt.Errorf("resolving path: %w", err)
			}
			file = abs
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var src api.SourceResponse
		err = client.postJSON(cmd.Context(), "/sources", api.SourceRequest{
			Kind: kind,
			URL:  srcURL,
			Path: file,
		}, &src)
		if err != nil {
			return err
		}
		printSuccess("Registered source %s (%s)", src.ID, src.Kind)
		return nil
	},
}

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered sources and their verification state",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var sources []api.SourceResponse
		if err := client.getJSON(cmd.Context(), "/sources", &sources); err != nil {
			return err
		}
		if len(sources) == 0 {
			fmt.Println("No sources registered.")
			return nil
		}

		for _, s := range sources {
			state := paint(ansiYellow, "unverified")
			if s.Verified {
				state = paint(ansiGreen, "verified "+s.LastVerifiedAt.Format("2006-01-02 15:04"))
			}
			locator := s.URL
			if locator == "" {
				locator = s.Path
			}
			fmt.Printf("%s  %-20s %s\n", paint(ansiBold, s.ID), s.Kind, state)
			fmt.Printf("  %s\n", locator)
		}
		return nil
	},
}

// --- verify ---

var verifyCmd = &cobra.Command{
	Use:   "verify <source-id>",
	Short: "Fetch and fingerprint a source, appending to its verification log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Verifying source %s", args[0])
		var rec struct {
			Hash       string `json:"hash"`
			Size       int64  `json:"size"`
			CapturedAt string `json:"captured_at"`
		}
		if err := client.postJSON(cmd.Context(), "/sources/"+args[0]+"/verify", nil, &rec); err != nil {
			return err
		}
		printSuccess("Verified (%d bytes)", rec.Size)
		printStatus("Hash", "%s", rec.Hash)
		printStatus("Captured", "%s", rec.CapturedAt)
		return nil
	},
}

// --- log ---

var logCmd = &cobra.Command{
	Use:   "log [source-id]",
	Short: "Show the append-only verification log",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/log"
		if len(args) == 1 {
			path = "/sources/" + args[0] + "/log"
		}
		var entries []api.LogEntryResponse
		if err := client.getJSON(cmd.Context(), path, &entries); err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("Verification log is empty.")
			return nil
		}

		for _, e := range entries {
			fmt.Printf("%6d  %s  %s  %s\n",
				e.Seq,
				e.Record.CapturedAt.Format("2006-01-02 15:04:05"),
				e.SourceID,
				e.Record.Hash[:16],
			)
		}
		return nil
	},
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest <source-id>...",
	Short: "Verify sources and index their content for retrieval",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		section, _ := cmd.Flags().GetString("section")

		req := api.IngestRequest{}
		for _, id := range args {
			req.Items = append(req.Items, pipeline.IngestItem{SourceID: id, Section: section})
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		printStep("Ingesting %d source(s)", len(args))
		var results []api.IngestItemResponse
		if err := client.postJSON(cmd.Context(), "/ingest", req, &results); err != nil {
			return err
		}

		var failed int
		for _, r := range results {
			if r.Error != "" {
				failed++
				printError("%s: %s", r.SourceID, r.Error)
				continue
			}
			printSuccess("%s: %d chunks, %d vectors", r.SourceID, r.Chunks, r.Vectors)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d sources failed", failed, len(results))
		}
		return nil
	},
}

// --- query ---

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Search the verified context",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		topK, _ := cmd.Flags().GetInt("top-k")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var matches []api.QueryMatch
		err = client.postJSON(cmd.Context(), "/query", api.QueryRequest{
			Query: strings.Join(args, " "),
			TopK:  topK,
		}, &matches)
		if err != nil {
			return err
		}

		for i, m := range matches {
			fmt.Printf("\n%s [score: %.3f]\n", paint(ansiBold, fmt.Sprintf("Match %d", i+1)), m.Score)
			fmt.Printf("  Source: %s (chunk %d, captured %s)\n",
				m.Metadata.SourceID,
				m.Metadata.ChunkIndex,
				m.Metadata.CapturedAt.Format("2006-01-02"),
			)
			text := m.Metadata.Text
			if len(text) > 500 {
				text = text[:500] + "..."
			}
			fmt.Printf("  %s\n", text)
		}
		return nil
	},
}

// --- generate ---

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a grounded document from verified context",
	Long: `Generate a document section by section, using only verified context.
Sections without verified information are reported as missing, never
invented. Without --section flags the default application outline is used.

Examples:
  groundgen generate --out draft.md
  groundgen generate --section "Budget: annual budget and funding sources"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")
		rawSections, _ := cmd.Flags().GetStringArray("section")

		sections, err := parseSections(rawSections)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		printStep("Generating document")
		var result api.GenerateResponse
		err = client.postJSON(cmd.Context(), "/generate", api.GenerateRequest{
			Sections: sections,
		}, &result)
		if err != nil {
			return err
		}

		var ok, missing, failed int
		for _, r := range result.Results {
			switch r.Status {
			case compose.StatusOK:
				ok++
			case compose.StatusMissingInformation:
				missing++
				printWarning("%s: missing information", r.Section.Name)
			case compose.StatusGenerationFailed:
				failed++
				printError("%s: %s", r.Section.Name, r.Error)
			}
		}
		printStatus("Sections", "%d ok, %d missing, %d failed", ok, missing, failed)

		if out == "" {
			fmt.Println(result.Markdown)
			return nil
		}
		if err := os.WriteFile(out, []byte(result.Markdown), 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", out, err)
		}
		printSuccess("Wrote %s", out)
		return nil
	},
}

// parseSections turns repeated --section values of the form
// "Name: requirements" into section definitions. The requirements part is
// optional.
func parseSections(raw []string) ([]compose.Section, error) {
	var sections []compose.Section
	for _, r := range raw {
		name, requirements, _ := strings.Cut(r, ":")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("invalid --section %q, expected \"Name: requirements\"", r)
		}
		sections = append(sections, compose.Section{
			Name:         name,
			Requirements: strings.TrimSpace(requirements),
		})
	}
	return sections, nil
}

func init() {
	sourcesAddCmd.Flags().String("url", "", "HTTP(S) location of the source")
	sourcesAddCmd.Flags().String("file", "", "local file path of the source")
	sourcesAddCmd.Flags().String("kind", "", "source kind (official_website, annual_report, government_registry, guidelines, file, text)")
	sourcesCmd.AddCommand(sourcesAddCmd)
	sourcesCmd.AddCommand(sourcesListCmd)

	ingestCmd.Flags().String("section", "", "section label attached to the indexed vectors")
	queryCmd.Flags().Int("top-k", 0, "maximum number of matches (0 = server default)")
	generateCmd.Flags().String("out", "", "write the markdown report to a file instead of stdout")
	generateCmd.Flags().StringArray("section", nil, `section to generate as "Name: requirements" (repeatable)`)
}
