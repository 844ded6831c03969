package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"simrun/internal/config"
	"simrun/internal/db"
	"simrun/internal/domain"
	"simrun/internal/engine"
	"simrun/internal/migrate"
	"simrun/internal/params"
	"simrun/internal/runlist"
	"simrun/internal/server"
	"simrun/internal/tools"
)

var rootCmd = &cobra.Command{
	Use:   "simrun",
	Short: "Micromegas simulation run manager",
	Long: `simrun manages reproducible simulation runs on the cluster.
A run snapshots the shared parameter file, builds the three stage
executables (particleconversion, drift, avalanche) into its private
directory, and tracks the batch jobs submitted for each stage.
RUNS arguments accept a single id, a range, or a list: 3, 2-5, [1,3-4,9].`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SIMRUN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().String("source-dir", "", "simulation source tree")
	rootCmd.PersistentFlags().String("runs-dir", "", "directory holding per-run build trees and the registry")
	rootCmd.PersistentFlags().String("data-dir", "", "directory holding per-run output data")
	rootCmd.PersistentFlags().String("param-file", "", "shared simulation parameter file")
	rootCmd.PersistentFlags().String("account", "", "scheduler accounting identity")
	rootCmd.PersistentFlags().String("user", "", "cluster username for scheduler queries")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("source-dir", rootCmd.PersistentFlags().Lookup("source-dir"))
	_ = viper.BindPFlag("runs-dir", rootCmd.PersistentFlags().Lookup("runs-dir"))
	_ = viper.BindPFlag("data-dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	_ = viper.BindPFlag("param-file", rootCmd.PersistentFlags().Lookup("param-file"))
	_ = viper.BindPFlag("account", rootCmd.PersistentFlags().Lookup("account"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(createCmd())
	rootCmd.AddCommand(recreateCmd())
	rootCmd.AddCommand(lsCmd())
	rootCmd.AddCommand(detailsCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(joinCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(removeCmd())
	rootCmd.AddCommand(serveCmd())
}

func settingsFromViper() config.Settings {
	return config.Settings{
		SourceDir: viper.GetString("source-dir"),
		RunsRoot:  viper.GetString("runs-dir"),
		DataRoot:  viper.GetString("data-dir"),
		ParamFile: viper.GetString("param-file"),
		Account:   viper.GetString("account"),
		User:      viper.GetString("user"),
	}
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	settings := settingsFromViper()
	if err := settings.Validate(); err != nil {
		return err
	}
	fresh := !db.Exists(db.Config{RunsRoot: settings.RunsRoot})
	conn, err := db.Open(db.Config{RunsRoot: settings.RunsRoot})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	if fresh {
		fmt.Printf("initialized empty run registry at %s\n", db.Path(settings.RunsRoot))
	}
	e := engine.New(conn, settings, tools.Exec{})
	e.Confirm = askConfirm
	return fn(ctx, e)
}

func createCmd() *cobra.Command {
	var opts engine.CreateOptions
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a run (snapshot, build, register)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Name = args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.Create(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	cmd.Flags().IntVar(&opts.ID, "id", 0, "explicit run id (default: next free)")
	cmd.Flags().StringVarP(&opts.Message, "message", "m", "", "run description (required)")
	cmd.Flags().StringVar(&opts.MeshPath, "mesh", "", "alternate mesh directory")
	cmd.Flags().Float64Var(&opts.GapSizeUM, "gap-size", 0, "amplification gap override in micrometers")
	cmd.Flags().StringVar(&opts.ConversionFile, "particleconversion", "", "reuse an existing particleconversion output file")
	return cmd
}

func recreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recreate RUNS",
		Short: "Rebuild existing runs with a fresh snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := runlist.Parse(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Recreate(ctx, ids)
			})
		},
	}
	return cmd
}

func lsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List registered runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				reg, err := e.Repo.LoadAll(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					runs := make([]domain.Run, 0, len(reg))
					for _, id := range reg.IDs() {
						runs = append(runs, reg[id])
					}
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created", "Commit", "Message"})
				for _, id := range reg.IDs() {
					run := reg[id]
					tw.AppendRow(table.Row{run.ID, run.Name, run.CreatedAt, shortCommit(run.Commit), run.Message})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func detailsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "details ID",
		Short: "Show one run, including snapshot parameters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid run id %q", args[0])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.Repo.Get(ctx, id)
				if err != nil {
					return fmt.Errorf("run %d: %w", id, err)
				}
				if viper.GetBool("json") {
					return printJSON(run)
				}
				if err := printJSONOrTable(run); err != nil {
					return err
				}
				printSnapshotParams(e, run)
				fmt.Println("Stages:")
				for _, st := range domain.Stages() {
					last := run.StageStatus[string(st)]
					if last == "" {
						last = "never"
					}
					fmt.Printf("  %-18s last submitted: %s\n", st, last)
				}
				return nil
			})
		},
	}
	return cmd
}

func runCmd() *cobra.Command {
	var opts engine.SubmitOptions
	var force bool
	cmd := &cobra.Command{
		Use:   "run STEP RUNS",
		Short: "Submit a pipeline stage for runs",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := domain.ParseStage(args[0])
			if err != nil {
				return err
			}
			ids, err := runlist.Parse(args[1])
			if err != nil {
				return err
			}
			opts.Stage = st
			opts.Force = force
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				records, err := e.Submit(ctx, ids, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(records)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&opts.Resources.Cores, "cores", "n", 0, "core count (default per stage)")
	cmd.Flags().StringVarP(&opts.Resources.Partition, "queue", "q", "", "scheduler partition (default per stage)")
	cmd.Flags().StringVarP(&opts.Resources.Time, "time", "t", "", "wall-clock limit (default per stage)")
	cmd.Flags().StringVarP(&opts.Resources.MemPerCPU, "mem", "m", "", "memory per core (default per stage)")
	cmd.Flags().StringVar(&opts.Account, "account", "", "accounting identity override")
	cmd.Flags().BoolVar(&opts.Resplit, "resplit", false, "delete existing drift input shards and split again")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "skip resplit confirmation")
	return cmd
}

func joinCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "join RUNS",
		Short: "Merge per-shard stage outputs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := runlist.Parse(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.JoinOutputs(ctx, ids)
			})
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	var detailed bool
	var runID int
	var step string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show running jobs, or detailed stage progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if detailed {
					if runID <= 0 || step == "" {
						return fmt.Errorf("detailed status needs -r RUN and --step STEP")
					}
					st, err := domain.ParseStage(step)
					if err != nil {
						return err
					}
					results, err := e.DetailedStatus(ctx, runID, st)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(results)
					}
					renderProbeGrid(results)
					return nil
				}
				jobs, err := e.Running(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				if len(jobs) == 0 {
					fmt.Println("no running jobs")
					return nil
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Run", "Stage"})
				for _, j := range jobs {
					tw.AppendRow(table.Row{j.RunID, j.Stage})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&detailed, "detailed", "d", false, "per-shard progress for one run and stage")
	cmd.Flags().IntVarP(&runID, "run", "r", 0, "run id for detailed status")
	cmd.Flags().StringVar(&step, "step", "", "stage for detailed status")
	return cmd
}

func removeCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "remove RUNS",
		Short: "Delete runs and their data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := runlist.Parse(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Remove(ctx, ids, force)
			})
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "skip confirmation")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the read-only HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := settingsFromViper()
			if err := settings.Validate(); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{RunsRoot: settings.RunsRoot})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn, settings, tools.Exec{})
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: os.Getenv("SIMRUN_JWT_SECRET")},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving simrun API on http://%s%s\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func askConfirm(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortCommit(commit string) string {
	if len(commit) > 8 {
		return commit[:8]
	}
	return commit
}

// printSnapshotParams shows a few well-known keys from the run's
// parameter snapshot. Lookup only; missing keys are skipped.
func printSnapshotParams(e engine.Engine, run domain.Run) {
	doc, err := params.Load(e.Settings.SnapshotPath(run.ID))
	if err != nil {
		return
	}
	shown := false
	for _, ref := range [][2]string{
		{"amplification", "gap"},
		{"general", "gas_composition"},
		{"drift", "field"},
	} {
		v, err := doc.Resolve(ref[0], ref[1])
		if err != nil {
			continue
		}
		if !shown {
			fmt.Println("Snapshot:")
			shown = true
		}
		fmt.Printf("  %s:%s = %s\n", ref[0], ref[1], v)
	}
}

// renderProbeGrid prints the color-coded status cells, wrapped to the
// terminal width.
func renderProbeGrid(results []domain.ProbeResult) {
	if len(results) == 0 {
		fmt.Println("nothing to report")
		return
	}
	width := 80
	if cols, err := strconv.Atoi(os.Getenv("COLUMNS")); err == nil && cols > 20 {
		width = cols
	}
	const cellWidth = 16
	perRow := width / cellWidth
	if perRow < 1 {
		perRow = 1
	}
	for i, r := range results {
		cell := fmt.Sprintf("%-*s", cellWidth, r.Name)
		switch r.Category {
		case domain.ProbeComplete:
			cell = text.FgGreen.Sprint(cell)
		case domain.ProbeInProgress:
			cell = text.FgYellow.Sprint(cell)
		default:
			cell = text.FgRed.Sprint(cell)
		}
		fmt.Print(cell)
		if (i+1)%perRow == 0 {
			fmt.Println()
		}
	}
	if len(results)%perRow != 0 {
		fmt.Println()
	}
	for _, r := range results {
		if r.Value != "" {
			fmt.Printf("  %s: %s (%s)\n", r.Name, r.Value, r.Category)
		}
	}
}
