package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/ragchat-dev/ragchat/pkg/chat"
	"github.com/ragchat-dev/ragchat/pkg/config"
	"github.com/ragchat-dev/ragchat/pkg/ingest"
	"github.com/ragchat-dev/ragchat/pkg/llm"
	"github.com/ragchat-dev/ragchat/pkg/observability"
	"github.com/ragchat-dev/ragchat/pkg/promptcache"
	"github.com/ragchat-dev/ragchat/pkg/retrieval"
	"github.com/ragchat-dev/ragchat/pkg/tokens"
)

var (
	// Version information (set via ldflags)
	Version = "dev"

	configFile string
)

func main() {
	root := &cobra.Command{
		Use:           "ragchat",
		Short:         "Retrieval-augmented chat assistant",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", getEnv("CONFIG_FILE", "ragchat.yaml"), "Configuration file")

	root.AddCommand(newChatCmd(), newIngestCmd(), newSessionsCmd(), newClearCacheCmd())

	if err := root.Execute(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func newChatCmd() *cobra.Command {
	var (
		dataFiles []string
		source    string
		cache     string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			return runChat(cmd.Context(), cfg, dataFiles, source, cache)
		},
	}
	cmd.Flags().StringArrayVar(&dataFiles, "data", nil, "Data file to ground on, as collection=path.json (repeatable)")
	cmd.Flags().StringVar(&source, "source", chat.SelectorAuto, "Source collection selector: auto, none, or a collection name")
	cmd.Flags().StringVar(&cache, "cache", chat.CachePolicyEnabled, "Response cache policy: yes or no")
	return cmd
}

func newIngestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest <collection> <file.json>",
		Short: "Validate and embed a JSON document array",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}

			provider, err := llm.NewOpenAIProvider(cfg.OpenAI)
			if err != nil {
				return err
			}

			data, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("read data file: %w", err)
			}

			store := retrieval.NewMemoryStore()
			n, err := ingest.New(provider, store, 0).IngestJSON(cmd.Context(), args[0], data)
			if err != nil {
				return err
			}
			log.Printf("Embedded %d documents into collection %q", n, args[0])
			return nil
		},
	}
	return cmd
}

func newSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List stored chat sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}

			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			sessions, err := store.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			for _, s := range sessions {
				fmt.Printf("%s  %-30s  created %s  tokens %d\n",
					s.ID, s.Name, s.Created.Format(time.RFC3339), s.TokensUsed)
			}
			if len(sessions) == 0 {
				fmt.Println("no sessions")
			}
			return nil
		},
	}
}

func newClearCacheCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-cache",
		Short: "Empty the response cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}

			respCache, err := promptcache.NewRedisCache(cfg.Cache)
			if err != nil {
				return err
			}
			defer func() { _ = respCache.Close() }()

			if err := respCache.Clear(cmd.Context()); err != nil {
				return err
			}
			log.Println("Response cache cleared")
			return nil
		},
	}
}

func runChat(ctx context.Context, cfg *config.Config, dataFiles []string, source, cachePolicy string) error {
	log.Printf("Starting ragchat v%s", Version)

	observability.InitMetrics()
	if err := observability.InitTracing(cfg.Tracing); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		observability.ShutdownTracing(shutdownCtx)
	}()

	provider, err := llm.NewOpenAIProvider(cfg.OpenAI)
	if err != nil {
		return err
	}

	respCache, err := promptcache.NewRedisCache(cfg.Cache)
	if err != nil {
		return fmt.Errorf("connect response cache: %w", err)
	}
	defer func() { _ = respCache.Close() }()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	vectorStore := retrieval.NewMemoryStore()
	counter := tokens.NewHeuristicCounter()

	if err := loadDataFiles(ctx, provider, vectorStore, dataFiles); err != nil {
		return err
	}

	orch, err := chat.NewOrchestrator(chat.OrchestratorOptions{
		Store:         store,
		Completer:     provider,
		Embedder:      provider,
		Retriever:     retrieval.NewRetriever(vectorStore, counter, cfg.MaxVectorSearchResults),
		ResponseCache: respCache,
		Counter:       counter,
		Budgets:       cfg.Budgets,
	})
	if err != nil {
		return err
	}

	obsServer := observability.NewServer(cfg.MetricsPort)
	go func() {
		log.Printf("Metrics server on :%d", cfg.MetricsPort)
		if err := obsServer.Start(); err != nil {
			log.Printf("Metrics server error: %v", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obsServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Metrics server shutdown error: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return repl(ctx, orch, source, cachePolicy)
}

// repl runs the interactive loop. Plain lines become prompts; lines
// starting with ':' are commands (:help lists them).
func repl(ctx context.Context, orch *chat.Orchestrator, source, cachePolicy string) error {
	line := liner.NewLiner()
	defer func() { _ = line.Close() }()
	line.SetCtrlCAborts(true)

	historyPath := filepath.Join(os.TempDir(), ".ragchat_history")
	if f, err := os.Open(historyPath); err == nil {
		_, _ = line.ReadHistory(f)
		_ = f.Close()
	}
	defer func() {
		if f, err := os.Create(historyPath); err == nil {
			_, _ = line.WriteHistory(f)
			_ = f.Close()
		}
	}()

	sess, err := orch.CreateSession(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Session %s. Type a question, :help for commands, :quit to exit.\n", sess.ID)

	lastPrompt := ""
	for {
		if ctx.Err() != nil {
			return nil
		}

		input, err := line.Prompt("> ")
		switch {
		case errors.Is(err, liner.ErrPromptAborted), errors.Is(err, io.EOF):
			fmt.Println()
			return nil
		case err != nil:
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if strings.HasPrefix(input, ":") {
			done, err := runCommand(ctx, orch, &sess, input, lastPrompt)
			if err != nil {
				fmt.Printf("error: %v\n", err)
			}
			if done {
				return nil
			}
			continue
		}

		completion, err := orch.ProcessUserPrompt(ctx, sess.ID, input, source, cachePolicy)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		lastPrompt = input
		fmt.Println(completion)
	}
}

func runCommand(ctx context.Context, orch *chat.Orchestrator, sess **chat.Session, input, lastPrompt string) (done bool, err error) {
	cmd, arg, _ := strings.Cut(input, " ")
	switch cmd {
	case ":quit", ":q", ":exit":
		return true, nil
	case ":help":
		fmt.Println(`:new              start a new session
:sessions         list sessions
:name <text>      rename the current session
:summarize        name the session from the last question
:clear            empty the response cache
:quit             exit`)
		return false, nil
	case ":new":
		next, err := orch.CreateSession(ctx)
		if err != nil {
			return false, err
		}
		*sess = next
		fmt.Printf("Session %s\n", next.ID)
		return false, nil
	case ":sessions":
		sessions, err := orch.GetAllSessions(ctx)
		if err != nil {
			return false, err
		}
		for _, s := range sessions {
			marker := " "
			if s.ID == (*sess).ID {
				marker = "*"
			}
			fmt.Printf("%s %s  %-30s  tokens %d\n", marker, s.ID, s.Name, s.TokensUsed)
		}
		return false, nil
	case ":name":
		if strings.TrimSpace(arg) == "" {
			return false, errors.New("usage: :name <text>")
		}
		return false, orch.RenameSession(ctx, (*sess).ID, strings.TrimSpace(arg))
	case ":summarize":
		if lastPrompt == "" {
			return false, errors.New("nothing to summarize yet")
		}
		name, err := orch.SummarizeSessionName(ctx, (*sess).ID, lastPrompt)
		if err != nil {
			return false, err
		}
		fmt.Printf("Session renamed to %q\n", name)
		return false, nil
	case ":clear":
		return false, orch.ClearCache(ctx)
	default:
		return false, fmt.Errorf("unknown command %s", cmd)
	}
}

// loadDataFiles ingests each collection=path pair into the vector store.
func loadDataFiles(ctx context.Context, embedder llm.EmbeddingProvider, store retrieval.Upserter, dataFiles []string) error {
	if len(dataFiles) == 0 {
		return nil
	}

	ing := ingest.New(embedder, store, 0)
	for _, spec := range dataFiles {
		collection, path, ok := strings.Cut(spec, "=")
		if !ok || collection == "" || path == "" {
			return fmt.Errorf("bad --data value %q (want collection=path.json)", spec)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read data file: %w", err)
		}
		n, err := ing.IngestJSON(ctx, collection, data)
		if err != nil {
			return fmt.Errorf("ingest %s: %w", path, err)
		}
		log.Printf("Loaded %d documents into collection %q", n, collection)
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (chat.SessionStore, error) {
	switch cfg.Store {
	case "firestore":
		return chat.NewFirestoreStore(ctx, cfg.Firestore)
	default:
		return chat.NewSQLiteStore(cfg.SQLitePath)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
