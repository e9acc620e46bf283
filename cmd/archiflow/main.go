package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"archiflow/internal/app"
	"archiflow/internal/chatbot"
	"archiflow/internal/config"
	"archiflow/internal/domain"
	"archiflow/internal/engine"
	"archiflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "archiflow",
	Short: "ArchiFlow contract assistant",
	Long: `ArchiFlow manages an architecture office's contracts and lets you drive them in plain language.
- Workspace: the .archiflow directory holding the contracts database, next to an optional archiflow.yml.
- Assistant: 'archiflow chat' and 'archiflow ask' send your request to an OpenAI-compatible model, which answers with a JSON command that is then executed against your contracts.
- Selected contract: commands like payment terms or non-compete clauses act on the contract chosen with /select (or --contract).
- Contracts: 'archiflow contract ...' gives direct access without the assistant.
The API key is read from the environment variable named in config (ARCHIFLOW_API_KEY by default).`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ARCHIFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides config)")
	rootCmd.PersistentFlags().String("contract", "", "selected contract id used by the assistant")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("contract", rootCmd.PersistentFlags().Lookup("contract"))
}

func registerCommands() {
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(contractCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Talk to the contract assistant",
		Long:  "Interactive session. Type a request per line; /select <id> picks the contract, /clear drops it, /quit leaves.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *app.Runtime) error {
				m, err := rt.Chat(typingIndicator(os.Stderr))
				if err != nil {
					return err
				}
				return runChat(cmd.Context(), m, os.Stdin, os.Stdout, viper.GetString("contract"))
			})
		},
	}
}

func typingIndicator(w io.Writer) func(bool) {
	return func(on bool) {
		if on {
			fmt.Fprint(w, "assistant is typing...\r")
		} else {
			fmt.Fprint(w, "                      \r")
		}
	}
}

func runChat(ctx context.Context, m *chatbot.Manager, in io.Reader, out io.Writer, selected string) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprintln(out, "ArchiFlow assistant. /select <id>, /clear, /quit.")
	for {
		if selected != "" {
			fmt.Fprintf(out, "[%s]> ", selected)
		} else {
			fmt.Fprint(out, "> ")
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/clear":
			selected = ""
			continue
		case strings.HasPrefix(line, "/select"):
			id := strings.TrimSpace(strings.TrimPrefix(line, "/select"))
			if id == "" {
				fmt.Fprintln(out, "usage: /select <contract id>")
				continue
			}
			selected = id
			continue
		}
		reply, err := m.Ask(ctx, line, selected)
		if err != nil {
			return err
		}
		printReply(out, reply)
	}
}

func printReply(out io.Writer, r chatbot.Reply) {
	if r.Kind == chatbot.ReplyError {
		fmt.Fprintln(out, "! "+r.Text)
		return
	}
	fmt.Fprintln(out, r.Text)
}

func askCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ask <request...>",
		Short: "Send a single request to the assistant",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *app.Runtime) error {
				m, err := rt.Chat(nil)
				if err != nil {
					return err
				}
				reply, err := m.Ask(cmd.Context(), strings.Join(args, " "), viper.GetString("contract"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"kind": reply.Kind.String(), "text": reply.Text, "intent": string(reply.Intent)})
				}
				printReply(os.Stdout, reply)
				if reply.Kind == chatbot.ReplyError {
					return errors.New("request failed")
				}
				return nil
			})
		},
	}
}

func contractCmd() *cobra.Command {
	c := &cobra.Command{Use: "contract", Short: "Manage contracts directly"}
	c.AddCommand(contractListCmd())
	c.AddCommand(contractShowCmd())
	c.AddCommand(contractCreateCmd())
	c.AddCommand(contractUpdateCmd())
	c.AddCommand(contractDeleteCmd())
	c.AddCommand(contractStatsCmd())
	c.AddCommand(contractExpiringCmd())
	return c
}

func contractListCmd() *cobra.Command {
	var search, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List contracts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.SearchContracts(ctx, search, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res.Matches)
				}
				renderContracts(os.Stdout, res.Matches, res.TotalValue)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&search, "search", "", "text to match in id, client or description")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func contractShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one contract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.GetContract(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func contractCreateCmd() *cobra.Command {
	var opts engine.ContractCreateOptions
	var value string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create contract",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.ClientName == "" {
				return fmt.Errorf("--client required")
			}
			if value != "" {
				v, err := engine.ParseAmount(value)
				if err != nil {
					return err
				}
				opts.Value = &v
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateContract(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "contract id (generated when empty)")
	cmd.Flags().StringVar(&opts.ClientName, "client", "", "client name")
	cmd.Flags().StringVar(&opts.StartDate, "start", "", "start date YYYY-MM-DD (default today)")
	cmd.Flags().StringVar(&opts.EndDate, "end", "", "end date YYYY-MM-DD (default start + 1 year)")
	cmd.Flags().StringVar(&value, "value", "", "contract value")
	cmd.Flags().StringVar(&opts.Status, "status", "", "status (default Draft)")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	return cmd
}

func contractUpdateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update <id> <field> <value>",
		Short: "Update one contract field",
		Long:  "Fields: " + strings.Join(engine.UpdatableFields(), ", ") + " (amount is an alias of value).",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.UpdateContractField(ctx, args[0], args[1], args[2])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func contractDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete contract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteContract(ctx, args[0]); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"deleted": args[0]})
				}
				fmt.Printf("deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func contractStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Contract totals by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.Stats(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				statuses := make([]string, 0, len(st.ByStatus))
				for s := range st.ByStatus {
					statuses = append(statuses, s)
				}
				sort.Strings(statuses)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Status", "Contracts"})
				for _, s := range statuses {
					tw.AppendRow(table.Row{s, st.ByStatus[s]})
				}
				tw.AppendFooter(table.Row{"Total", st.Count})
				tw.Render()
				fmt.Printf("Total value: %s\n", chatbot.FormatMoney(st.TotalValue))
				return nil
			})
		},
	}
}

func contractExpiringCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "expiring",
		Short: "Active contracts ending soon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ExpiringContracts(ctx, days)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				var total float64
				for _, c := range items {
					total += c.Value
				}
				renderContracts(os.Stdout, items, total)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", engine.DefaultExpiringDays, "look-ahead window in days")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *app.Runtime) error {
				chat, err := rt.Chat(nil)
				if err != nil {
					return err
				}
				handler, err := server.New(server.Config{Engine: rt.Engine, Chat: chat, BasePath: basePath, Logger: rt.Logger.Named("http")})
				if err != nil {
					return err
				}
				forwarder := server.StartWebhookForwarder(rt.Events, rt.Config.Webhooks, rt.Logger)
				defer forwarder.Stop()

				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-cmd.Context().Done()
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(ctx)
				}()
				rt.Logger.Info("serving ArchiFlow API",
					zap.String("url", fmt.Sprintf("http://%s%s", addr, basePath)),
					zap.Int("webhooks", len(rt.Config.Webhooks)))
				fmt.Printf("Serving ArchiFlow API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage archiflow.yml",
		Long:  "archiflow.yml sits in the workspace and configures the assistant endpoint, retry policy, logging and webhooks. Missing values take defaults.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default archiflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate archiflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func withRuntime(fn func(*app.Runtime) error) error {
	rt, err := app.Open(app.Options{
		Workspace: viper.GetString("workspace"),
		LogLevel:  viper.GetString("log-level"),
	})
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(rt)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withRuntime(func(rt *app.Runtime) error {
		return fn(ctx, rt.Engine)
	})
}

func renderContracts(w io.Writer, items []domain.Contract, total float64) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "Client", "Status", "Value", "Start", "End"})
	for _, c := range items {
		tw.AppendRow(table.Row{c.ID, c.ClientName, c.Status, chatbot.FormatMoney(c.Value), c.StartDate, c.EndDate})
	}
	tw.AppendFooter(table.Row{"", fmt.Sprintf("%d contract(s)", len(items)), "", chatbot.FormatMoney(total), "", ""})
	tw.Render()
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
