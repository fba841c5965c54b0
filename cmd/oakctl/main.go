// Package main contains the cli implementation of oakctl. It uses cobra
// for command dispatch and BurntSushi/toml for seed-file import.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"oakdb"
	"oakdb/internal/config"
	"oakdb/internal/embed"
)

type addFlags struct {
	base     string
	key      string
	dataJSON string
	override bool
}

type getFlags struct {
	base string
	key  string
}

type fetchFlags struct {
	base       string
	filterJSON string
	limit      int
	page       int
	order      string
}

type searchFlags struct {
	base       string
	filterJSON string
	limit      int
	page       int
	order      string
}

type similarFlags struct {
	base     string
	distance string
	limit    int
	order    string
}

type importFlags struct {
	base     string
	file     string
	override bool
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "oakctl",
		Short: "Inspect and edit an oakdb store from the command line",
	}

	rootCmd.AddCommand(addCmd())
	rootCmd.AddCommand(getCmd())
	rootCmd.AddCommand(deleteCmd())
	rootCmd.AddCommand(fetchCmd())
	rootCmd.AddCommand(searchCmd())
	rootCmd.AddCommand(similarCmd())
	rootCmd.AddCommand(enableSearchCmd())
	rootCmd.AddCommand(enableVectorCmd())
	rootCmd.AddCommand(dropCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(importCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func openOak() (*oakdb.Oak, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return oakdb.Open(cfg.DBPath, embed.NewStub(cfg.EmbedDimensions))
}

func addCmd() *cobra.Command {
	flags := &addFlags{}
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add one document",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runAdd(flags)
		},
	}
	cmd.Flags().StringVar(&flags.base, "base", "", "collection name")
	cmd.Flags().StringVar(&flags.key, "key", "", "explicit key (optional)")
	cmd.Flags().StringVar(&flags.dataJSON, "data", "", "document body as JSON")
	cmd.Flags().BoolVar(&flags.override, "override", false, "replace an existing key")
	cmd.MarkFlagRequired("base")
	cmd.MarkFlagRequired("data")
	return cmd
}

func runAdd(f *addFlags) error {
	oak, err := openOak()
	if err != nil {
		return err
	}
	defer oak.Close()

	base, err := oak.Base(f.base)
	if err != nil {
		return err
	}

	var data any
	if err := json.Unmarshal([]byte(f.dataJSON), &data); err != nil {
		return fmt.Errorf("parse --data: %w", err)
	}

	resp := base.Add(context.Background(), data, f.key, f.override)
	if err := resp.Err(); err != nil {
		return err
	}
	fmt.Println(resp.Key)
	return nil
}

func getCmd() *cobra.Command {
	flags := &getFlags{}
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Read one document by key",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runGet(flags)
		},
	}
	cmd.Flags().StringVar(&flags.base, "base", "", "collection name")
	cmd.Flags().StringVar(&flags.key, "key", "", "document key")
	cmd.MarkFlagRequired("base")
	cmd.MarkFlagRequired("key")
	return cmd
}

func runGet(f *getFlags) error {
	oak, err := openOak()
	if err != nil {
		return err
	}
	defer oak.Close()

	base, err := oak.Base(f.base)
	if err != nil {
		return err
	}
	resp := base.Get(context.Background(), f.key)
	if err := resp.Err(); err != nil {
		return err
	}
	return printJSON(resp)
}

func deleteCmd() *cobra.Command {
	var base, key string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete one document by key",
		RunE: func(_ *cobra.Command, _ []string) error {
			oak, err := openOak()
			if err != nil {
				return err
			}
			defer oak.Close()
			b, err := oak.Base(base)
			if err != nil {
				return err
			}
			resp := b.Delete(context.Background(), key)
			if err := resp.Err(); err != nil {
				return err
			}
			fmt.Println(resp.Deleted)
			return nil
		},
	}
	cmd.Flags().StringVar(&base, "base", "", "collection name")
	cmd.Flags().StringVar(&key, "key", "", "document key")
	cmd.MarkFlagRequired("base")
	cmd.MarkFlagRequired("key")
	return cmd
}

func fetchCmd() *cobra.Command {
	flags := &fetchFlags{}
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch a filtered, paginated page of documents",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runFetch(flags)
		},
	}
	cmd.Flags().StringVar(&flags.base, "base", "", "collection name")
	cmd.Flags().StringVar(&flags.filterJSON, "filter", "", "filter as JSON (object or array of objects)")
	cmd.Flags().IntVar(&flags.limit, "limit", 0, "page size")
	cmd.Flags().IntVar(&flags.page, "page", 1, "page number")
	cmd.Flags().StringVar(&flags.order, "order", "", "order literal, e.g. created__desc")
	cmd.MarkFlagRequired("base")
	return cmd
}

func runFetch(f *fetchFlags) error {
	oak, err := openOak()
	if err != nil {
		return err
	}
	defer oak.Close()

	base, err := oak.Base(f.base)
	if err != nil {
		return err
	}

	filters, err := parseFilters(f.filterJSON)
	if err != nil {
		return err
	}

	resp := base.Fetch(context.Background(), oakdb.FetchOptions{
		Filters: filters, Limit: f.limit, Page: f.page, Order: f.order,
	})
	if err := resp.Err(); err != nil {
		return err
	}
	return printJSON(resp)
}

func searchCmd() *cobra.Command {
	flags := &searchFlags{}
	var q string
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Run a lexical search",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			q = args[0]
			return runSearch(q, flags)
		},
	}
	cmd.Flags().StringVar(&flags.base, "base", "", "collection name")
	cmd.Flags().StringVar(&flags.filterJSON, "filter", "", "filter as JSON")
	cmd.Flags().IntVar(&flags.limit, "limit", 0, "page size")
	cmd.Flags().IntVar(&flags.page, "page", 1, "page number")
	cmd.Flags().StringVar(&flags.order, "order", "", "order literal, e.g. rank__desc")
	cmd.MarkFlagRequired("base")
	return cmd
}

func runSearch(q string, f *searchFlags) error {
	oak, err := openOak()
	if err != nil {
		return err
	}
	defer oak.Close()

	base, err := oak.Base(f.base)
	if err != nil {
		return err
	}
	filters, err := parseFilters(f.filterJSON)
	if err != nil {
		return err
	}
	resp := base.Search(context.Background(), q, oakdb.SearchOptions{
		Filters: filters, Limit: f.limit, Page: f.page, Order: f.order,
	})
	if err := resp.Err(); err != nil {
		return err
	}
	return printJSON(resp)
}

func similarCmd() *cobra.Command {
	flags := &similarFlags{}
	cmd := &cobra.Command{
		Use:   "similar <query>",
		Short: "Run a vector similarity search",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runSimilar(args[0], flags)
		},
	}
	cmd.Flags().StringVar(&flags.base, "base", "", "collection name")
	cmd.Flags().StringVar(&flags.distance, "distance", "cosine", "L1, L2, or cosine")
	cmd.Flags().IntVar(&flags.limit, "limit", 0, "result count")
	cmd.Flags().StringVar(&flags.order, "order", "", "order literal, e.g. distance__asc")
	cmd.MarkFlagRequired("base")
	return cmd
}

func runSimilar(q string, f *similarFlags) error {
	oak, err := openOak()
	if err != nil {
		return err
	}
	defer oak.Close()

	base, err := oak.Base(f.base)
	if err != nil {
		return err
	}
	resp := base.Similar(context.Background(), q, oakdb.SimilarOptions{
		Limit: f.limit, Order: f.order, Distance: oakdb.DistanceFunc(f.distance),
	})
	if err := resp.Err(); err != nil {
		return err
	}
	return printJSON(resp)
}

func enableSearchCmd() *cobra.Command {
	var base string
	cmd := &cobra.Command{
		Use:   "enable-search",
		Short: "Enable full-text search on a collection",
		RunE: func(_ *cobra.Command, _ []string) error {
			oak, err := openOak()
			if err != nil {
				return err
			}
			defer oak.Close()
			b, err := oak.Base(base)
			if err != nil {
				return err
			}
			status, err := b.EnableSearch(context.Background())
			if err != nil {
				return err
			}
			fmt.Println(status)
			return nil
		},
	}
	cmd.Flags().StringVar(&base, "base", "", "collection name")
	cmd.MarkFlagRequired("base")
	return cmd
}

func enableVectorCmd() *cobra.Command {
	var base, probe string
	cmd := &cobra.Command{
		Use:   "enable-vector",
		Short: "Enable vector similarity search on a collection",
		RunE: func(_ *cobra.Command, _ []string) error {
			oak, err := openOak()
			if err != nil {
				return err
			}
			defer oak.Close()
			b, err := oak.Base(base)
			if err != nil {
				return err
			}
			status, err := b.EnableVector(context.Background(), probe)
			if err != nil {
				return err
			}
			fmt.Println(status)
			return nil
		},
	}
	cmd.Flags().StringVar(&base, "base", "", "collection name")
	cmd.Flags().StringVar(&probe, "probe-text", "", "override dimension-probe text")
	cmd.MarkFlagRequired("base")
	return cmd
}

func dropCmd() *cobra.Command {
	var base string
	var mainOnly bool
	cmd := &cobra.Command{
		Use:   "drop <name>",
		Short: "Drop a collection; name must match --base as a confirmation",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			oak, err := openOak()
			if err != nil {
				return err
			}
			defer oak.Close()
			b, err := oak.Base(base)
			if err != nil {
				return err
			}
			return b.Drop(context.Background(), args[0], mainOnly)
		},
	}
	cmd.Flags().StringVar(&base, "base", "", "collection name")
	cmd.Flags().BoolVar(&mainOnly, "main-only", false, "drop only the primary table")
	cmd.MarkFlagRequired("base")
	return cmd
}

type statusOutput struct {
	Configs map[string]string `json:"configs"`
	Metrics map[string]uint64 `json:"metrics"`
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the store's oak_conf flags and operation counters",
		RunE: func(_ *cobra.Command, _ []string) error {
			oak, err := openOak()
			if err != nil {
				return err
			}
			defer oak.Close()
			confs, err := oak.Configs(context.Background())
			if err != nil {
				return err
			}
			return printJSON(statusOutput{Configs: confs, Metrics: oak.Metrics().Ops})
		},
	}
}

// seedFile is the shape oakctl import expects a TOML seed file to take:
// a flat list of document tables under [[items]].
type seedFile struct {
	Items []map[string]any `toml:"items"`
}

func importCmd() *cobra.Command {
	flags := &importFlags{}
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Bulk-load documents from a TOML seed file",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runImport(flags)
		},
	}
	cmd.Flags().StringVar(&flags.base, "base", "", "collection name")
	cmd.Flags().StringVar(&flags.file, "file", "", "path to the TOML seed file")
	cmd.Flags().BoolVar(&flags.override, "override", false, "replace existing keys")
	cmd.MarkFlagRequired("base")
	cmd.MarkFlagRequired("file")
	return cmd
}

func runImport(f *importFlags) error {
	var seed seedFile
	if _, err := toml.DecodeFile(f.file, &seed); err != nil {
		return fmt.Errorf("parse %s: %w", f.file, err)
	}
	if len(seed.Items) == 0 {
		return fmt.Errorf("%s: no [[items]] found", f.file)
	}

	oak, err := openOak()
	if err != nil {
		return err
	}
	defer oak.Close()

	base, err := oak.Base(f.base)
	if err != nil {
		return err
	}

	items := make([]any, len(seed.Items))
	for i, it := range seed.Items {
		items[i] = it
	}
	resp := base.Adds(context.Background(), items, f.override)
	if err := resp.Err(); err != nil {
		return err
	}
	fmt.Printf("imported %d items into %q\n", len(resp.Keys), f.base)
	return nil
}

func parseFilters(raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var asObj map[string]any
	if err := json.Unmarshal([]byte(raw), &asObj); err == nil {
		return asObj, nil
	}
	var asArr []map[string]any
	if err := json.Unmarshal([]byte(raw), &asArr); err == nil {
		return asArr, nil
	}
	return nil, fmt.Errorf("--filter must be a JSON object or array of objects")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
