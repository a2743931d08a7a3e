package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"formbridge/internal/config"
	"formbridge/internal/db"
	"formbridge/internal/eloqua"
	"formbridge/internal/engine"
	"formbridge/internal/logging"
	"formbridge/internal/migrate"
	"formbridge/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fb",
	Short: "Formbridge CLI",
	Long: `Formbridge accepts localized marketing-form submissions, stores them
durably, and reconciles them against a remote Eloqua form API.
- Workspace: the directory holding .formbridge (database + mapping store)
  and forms.yml (the local form catalog).
- Mapping: forms.<domain>.<form> points a local form at a remote form id;
  fields.<domain>.<form>.<key> points local HTML field names at remote
  field ids.
- Submissions: accepted as pending, delivered by 'fb deliver' or the
  admin API, and purgeable once delivered.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
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
	viper.SetEnvPrefix("FORMBRIDGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Int("max-attempts", 0, "delivery attempts per submission before skipping (0 = unlimited)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("max-attempts", rootCmd.PersistentFlags().Lookup("max-attempts"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(deliverCmd())
	rootCmd.AddCommand(purgeCmd())
	rootCmd.AddCommand(submissionsCmd())
	rootCmd.AddCommand(formsCmd())
	rootCmd.AddCommand(mappingCmd())
	rootCmd.AddCommand(credentialsCmd())
	rootCmd.AddCommand(logCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				authCfg := server.AuthConfig{
					JWTSecret: os.Getenv("FORMBRIDGE_JWT_SECRET"),
					APIToken:  os.Getenv("FORMBRIDGE_API_TOKEN"),
				}
				if authCfg.JWTSecret == "" && authCfg.APIToken == "" {
					return fmt.Errorf("FORMBRIDGE_JWT_SECRET or FORMBRIDGE_API_TOKEN is required for admin auth")
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				fmt.Printf("Serving Formbridge API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/api/v1", "API base path")
	return cmd
}

func deliverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deliver",
		Short: "Deliver pending submissions to the remote API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.DeliverPending(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				fmt.Printf("Scanned %d pending: %d delivered, %d failed, %d skipped\n",
					report.Scanned, report.Delivered, report.Failed, report.Skipped)
				return nil
			})
		},
	}
	return cmd
}

func purgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete delivered submissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				count, err := e.PurgeDelivered(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int64{"purged": count})
				}
				fmt.Printf("Purged %d delivered submissions\n", count)
				return nil
			})
		},
	}
	return cmd
}

func submissionsCmd() *cobra.Command {
	sub := &cobra.Command{Use: "submissions", Short: "Inspect stored submissions"}
	sub.AddCommand(submissionsListCmd())
	return sub
}

func submissionsListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List submissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListSubmissions(ctx, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Domain", "Form", "Remote", "Status", "Attempts", "Created"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Domain, s.LocalFormID, s.RemoteFormID, s.Status, s.Attempts, s.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, delivered)")
	return cmd
}

func formsCmd() *cobra.Command {
	forms := &cobra.Command{Use: "forms", Short: "Browse remote forms"}
	forms.AddCommand(formsListCmd())
	forms.AddCommand(formsFieldsCmd())
	return forms
}

func formsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List remote forms",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, client *eloqua.Client) error {
				forms, err := client.Forms(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(forms)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name"})
				for _, f := range forms {
					tw.AppendRow(table.Row{f.ID, f.Name})
				}
				tw.Render()
				return nil
			}, cmd.Context())
		},
	}
	return cmd
}

func formsFieldsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fields <remote-form-id>",
		Short: "List fields of a remote form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			formID, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("remote form id must be numeric: %q", args[0])
			}
			return withClient(func(ctx context.Context, client *eloqua.Client) error {
				fields, err := client.FormFields(ctx, formID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(fields)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "HTML Name", "Type", "Rules"})
				for _, f := range fields {
					kinds := make([]string, 0, len(f.Validations))
					for _, v := range f.Validations {
						kinds = append(kinds, v.Kind)
					}
					tw.AppendRow(table.Row{f.ID, f.Name, f.HTMLName, f.DisplayType, strings.Join(kinds, ",")})
				}
				tw.Render()
				return nil
			}, cmd.Context())
		},
	}
	return cmd
}

func mappingCmd() *cobra.Command {
	mapping := &cobra.Command{Use: "mapping", Short: "Manage the domain/form/field mapping"}
	mapping.AddCommand(mappingShowCmd())
	mapping.AddCommand(mappingSetFormCmd())
	mapping.AddCommand(mappingSetFieldCmd())
	mapping.AddCommand(mappingSetExtraCmd())
	mapping.AddCommand(mappingClearCmd())
	return mapping
}

func mappingShowCmd() *cobra.Command {
	var dom, form string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the field mapping for a form",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(store *config.Store) error {
				formID, ok := store.RemoteFormID(dom, form)
				if !ok {
					return fmt.Errorf("form %s/%s is not mapped", dom, form)
				}
				out := map[string]any{
					"domain":         dom,
					"form_id":        form,
					"remote_form_id": formID,
					"fields":         store.FieldMap(dom, form),
				}
				return printJSONOrIndent(out)
			})
		},
	}
	cmd.Flags().StringVar(&dom, "domain", "", "site domain")
	cmd.Flags().StringVar(&form, "form", "", "local form id")
	_ = cmd.MarkFlagRequired("domain")
	_ = cmd.MarkFlagRequired("form")
	return cmd
}

func mappingSetFormCmd() *cobra.Command {
	var dom, form string
	var remoteID int
	cmd := &cobra.Command{
		Use:   "set-form",
		Short: "Point a local form at a remote form",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(store *config.Store) error {
				store.Set(fmt.Sprintf("forms.%s.%s", dom, form), remoteID)
				if err := store.Save(); err != nil {
					return err
				}
				fmt.Printf("Mapped %s/%s -> remote form %d\n", dom, form, remoteID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dom, "domain", "", "site domain")
	cmd.Flags().StringVar(&form, "form", "", "local form id")
	cmd.Flags().IntVar(&remoteID, "remote-id", 0, "remote form id")
	_ = cmd.MarkFlagRequired("domain")
	_ = cmd.MarkFlagRequired("form")
	_ = cmd.MarkFlagRequired("remote-id")
	return cmd
}

func mappingSetFieldCmd() *cobra.Command {
	var dom, form, key, fieldID string
	cmd := &cobra.Command{
		Use:   "set-field",
		Short: "Map a local field name to a remote field id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(store *config.Store) error {
				store.Set(fmt.Sprintf("fields.%s.%s.%s", dom, form, key), fieldID)
				if err := store.Save(); err != nil {
					return err
				}
				fmt.Printf("Mapped %s/%s field %s -> %s\n", dom, form, key, fieldID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dom, "domain", "", "site domain")
	cmd.Flags().StringVar(&form, "form", "", "local form id")
	cmd.Flags().StringVar(&key, "key", "", "local HTML field name")
	cmd.Flags().StringVar(&fieldID, "field-id", "", "remote field id")
	_ = cmd.MarkFlagRequired("domain")
	_ = cmd.MarkFlagRequired("form")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("field-id")
	return cmd
}

func mappingSetExtraCmd() *cobra.Command {
	var dom, form, lang, key, value string
	cmd := &cobra.Command{
		Use:   "set-extra",
		Short: "Set a language-scoped extra text for a form",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(store *config.Store) error {
				store.Set(fmt.Sprintf("form_extras.%s.%s.%s_%s", dom, form, lang, key), value)
				if err := store.Save(); err != nil {
					return err
				}
				fmt.Printf("Set extra %s (%s) on %s/%s\n", key, lang, dom, form)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dom, "domain", "", "site domain")
	cmd.Flags().StringVar(&form, "form", "", "local form id")
	cmd.Flags().StringVar(&lang, "lang", "", "language code")
	cmd.Flags().StringVar(&key, "key", "", "extra key")
	cmd.Flags().StringVar(&value, "value", "", "extra value")
	_ = cmd.MarkFlagRequired("domain")
	_ = cmd.MarkFlagRequired("form")
	_ = cmd.MarkFlagRequired("lang")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func mappingClearCmd() *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear a mapping subtree (e.g. fields.acme.contact)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(store *config.Store) error {
				store.Clear(prefix)
				if err := store.Save(); err != nil {
					return err
				}
				fmt.Printf("Cleared %s\n", prefix)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "key prefix to clear")
	_ = cmd.MarkFlagRequired("prefix")
	return cmd
}

func credentialsCmd() *cobra.Command {
	creds := &cobra.Command{Use: "credentials", Short: "Manage remote API credentials"}
	creds.AddCommand(credentialsSetCmd())
	creds.AddCommand(credentialsCheckCmd())
	return creds
}

func credentialsSetCmd() *cobra.Command {
	var c config.Credentials
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Store remote API credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(store *config.Store) error {
				store.SetCredentials(c)
				if err := store.Save(); err != nil {
					return err
				}
				fmt.Println("Credentials stored")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&c.SiteName, "site", "", "Eloqua site name")
	cmd.Flags().StringVar(&c.UserName, "user", "", "user name")
	cmd.Flags().StringVar(&c.Password, "password", "", "password")
	cmd.Flags().StringVar(&c.Host, "host", "", "API host, e.g. https://secure.eloqua.com")
	_ = cmd.MarkFlagRequired("site")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("password")
	_ = cmd.MarkFlagRequired("host")
	return cmd
}

func credentialsCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate stored credentials against the remote API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, client *eloqua.Client) error {
				if err := client.ValidateCredentials(ctx); err != nil {
					return fmt.Errorf("credentials rejected: %w", err)
				}
				fmt.Println("Credentials OK")
				return nil
			}, cmd.Context())
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Delivery diagnostics"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, submissionID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, evtType, submissionID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Domain", "Form", "Submission", "Payload"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.TS, evt.Type, evt.Domain, evt.LocalFormID, evt.SubmissionID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&submissionID, "submission", "", "submission id filter")
	return cmd
}

// --- helpers ---

func openWorkspace() (*sql.DB, *config.Store, config.Catalog, error) {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, nil, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, nil, nil, err
	}
	store, err := config.OpenStore(db.MappingPath(workspace))
	if err != nil {
		conn.Close()
		return nil, nil, nil, err
	}
	catalog, err := config.LoadCatalog(db.CatalogPath(workspace))
	if err != nil {
		conn.Close()
		return nil, nil, nil, err
	}
	return conn, store, catalog, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	conn, store, catalog, err := openWorkspace()
	if err != nil {
		return err
	}
	defer conn.Close()
	logger := logging.New(os.Stderr)
	c := store.Credentials()
	directory := eloqua.New(c.Host, c.SiteName, c.UserName, c.Password, nil, logger)
	e := engine.New(conn, store, catalog, directory, logger)
	e.MaxAttempts = viper.GetInt("max-attempts")
	return fn(ctx, e)
}

func withStore(fn func(*config.Store) error) error {
	workspace := viper.GetString("workspace")
	store, err := config.OpenStore(db.MappingPath(workspace))
	if err != nil {
		return err
	}
	return fn(store)
}

func withClient(fn func(context.Context, *eloqua.Client) error, ctx context.Context) error {
	workspace := viper.GetString("workspace")
	store, err := config.OpenStore(db.MappingPath(workspace))
	if err != nil {
		return err
	}
	c := store.Credentials()
	if c.Host == "" {
		return fmt.Errorf("no credentials stored, run 'fb credentials set' first")
	}
	client := eloqua.New(c.Host, c.SiteName, c.UserName, c.Password, nil, logging.New(os.Stderr))
	return fn(ctx, client)
}

func printJSONOrIndent(v any) error {
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
