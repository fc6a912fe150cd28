package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awsathena "github.com/aws/aws-sdk-go-v2/service/athena"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/lakecraft/lakeagent/internal/agent"
	"github.com/lakecraft/lakeagent/internal/agent/providers"
	"github.com/lakecraft/lakeagent/internal/artifacts"
	"github.com/lakecraft/lakeagent/internal/athena"
	"github.com/lakecraft/lakeagent/internal/bridge"
	"github.com/lakecraft/lakeagent/internal/config"
	"github.com/lakecraft/lakeagent/internal/mcp"
	"github.com/lakecraft/lakeagent/internal/signing"
	"github.com/lakecraft/lakeagent/internal/stream"
	"github.com/lakecraft/lakeagent/internal/tools"
	"github.com/lakecraft/lakeagent/pkg/models"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "lakeagent",
		Short: "Chat-driven analytics assistant backend",
	}
	root.AddCommand(newServeCommand())
	return root
}

func newServeCommand() *cobra.Command {
	var configPath string
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge and the turn API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = os.Getenv("LAKEAGENT_CONFIG")
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, listenAddr)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to config file")
	cmd.Flags().StringVar(&listenAddr, "listen", ":8080", "turn API listen address")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, listenAddr string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	signer, err := signing.New(signing.Credentials{
		AccessKeyID:     cfg.AWS.AccessKeyID,
		SecretAccessKey: cfg.AWS.SecretAccessKey,
		SessionToken:    cfg.AWS.SessionToken,
	})
	if err != nil {
		return fmt.Errorf("build signer: %w", err)
	}

	proxy := bridge.New(bridge.Config{
		Port:    cfg.Bridge.Port,
		Service: cfg.Bridge.Service,
		Region:  cfg.AWS.Region,
		Timeout: cfg.Bridge.Timeout,
	}, signer, logger)
	go func() {
		if err := proxy.Start(ctx); err != nil {
			logger.Error("bridge stopped", "error", err)
		}
	}()

	var store artifacts.Store
	if cfg.AWS.Bucket != "" {
		store, err = artifacts.NewS3Store(ctx, artifacts.S3Config{
			Bucket:          cfg.AWS.Bucket,
			Region:          cfg.AWS.Region,
			AccessKeyID:     cfg.AWS.AccessKeyID,
			SecretAccessKey: cfg.AWS.SecretAccessKey,
			SessionToken:    cfg.AWS.SessionToken,
		})
		if err != nil {
			return err
		}
	} else {
		logger.Warn("no bucket configured, artifacts are in-memory")
		store = artifacts.NewMemStore()
	}

	var publisher stream.Publisher = stream.NopPublisher{}
	if cfg.Stream.Endpoint != "" {
		var opts []stream.GraphQLOption
		if cfg.Stream.SignRequests {
			opts = append(opts, stream.WithSigner(signer, cfg.AWS.Region))
		}
		publisher = stream.NewGraphQLPublisher(cfg.Stream.Endpoint, logger, opts...)
	}

	engine, err := buildEngine(ctx, cfg, store, publisher, logger)
	if err != nil {
		return err
	}

	registry := agent.NewToolRegistry()
	for _, tool := range []agent.Tool{
		tools.NewCalculator(),
		tools.NewReadFile(store),
		tools.NewWriteFile(store),
		tools.NewListFiles(store),
		tools.NewQuery(engine),
	} {
		if err := registry.Register(tool); err != nil {
			return fmt.Errorf("register %s: %w", tool.Name(), err)
		}
	}

	provider, err := buildProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}

	orchestrator := agent.NewOrchestrator(provider, registry, agent.NewMemoryHistory(), publisher, agent.TurnConfig{
		Model:        cfg.Agent.Model,
		SystemPrompt: cfg.Agent.SystemPrompt,
		MaxSteps:     cfg.Agent.MaxSteps,
		MaxTokens:    cfg.Agent.MaxTokens,
	}, logger)

	remoteTools := newRemoteToolLoader(cfg, registry, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/turns", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			SessionID string `json:"session_id"`
			Content   string `json:"content"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.SessionID == "" || body.Content == "" {
			http.Error(w, "session_id and content are required", http.StatusBadRequest)
			return
		}

		if err := remoteTools.load(r.Context()); err != nil {
			logger.Warn("remote tool discovery failed", "error", err)
		}

		err := orchestrator.RunTurn(r.Context(), &models.Message{
			SessionID: body.SessionID,
			Role:      models.RoleUser,
			Content:   body.Content,
		})
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	srv := &http.Server{Addr: listenAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("turn API listening", "addr", listenAddr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func buildEngine(ctx context.Context, cfg *config.Config, store artifacts.Store, publisher stream.Publisher, logger *slog.Logger) (*athena.Engine, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.AWS.Region)}
	if cfg.AWS.AccessKeyID != "" && cfg.AWS.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWS.AccessKeyID, cfg.AWS.SecretAccessKey, cfg.AWS.SessionToken),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return athena.New(awsathena.NewFromConfig(awsCfg), store, publisher, athena.Config{
		Workgroup:      cfg.Athena.Workgroup,
		Database:       cfg.Athena.Database,
		OutputLocation: cfg.Athena.OutputLocation,
		TimeoutSeconds: cfg.Athena.TimeoutSeconds,
	}, logger), nil
}

func buildProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (agent.LLMProvider, error) {
	switch cfg.Agent.Provider {
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey: cfg.Agent.AnthropicKey,
		}, logger)
	case "bedrock", "":
		return providers.NewBedrockProvider(ctx, providers.BedrockConfig{
			Region:          cfg.AWS.Region,
			AccessKeyID:     cfg.AWS.AccessKeyID,
			SecretAccessKey: cfg.AWS.SecretAccessKey,
			SessionToken:    cfg.AWS.SessionToken,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Agent.Provider)
	}
}

// remoteToolLoader registers MCP-discovered tools into the registry on the
// first turn. A successful discovery is kept for the process lifetime; a
// failed one is retried on the next turn.
type remoteToolLoader struct {
	cache    *mcp.ToolCache
	discover func(context.Context) ([]agent.Tool, error)
}

func newRemoteToolLoader(cfg *config.Config, registry *agent.ToolRegistry, logger *slog.Logger) *remoteToolLoader {
	if cfg.MCP.TargetURL == "" {
		return &remoteToolLoader{}
	}
	client := mcp.NewClient(mcp.ClientConfig{
		BridgeURL: fmt.Sprintf("http://127.0.0.1:%d/proxy", cfg.Bridge.Port),
		TargetURL: cfg.MCP.TargetURL,
		APIKey:    cfg.MCP.APIKey,
	}, logger)
	return &remoteToolLoader{
		cache: &mcp.ToolCache{},
		discover: func(ctx context.Context) ([]agent.Tool, error) {
			remote, err := client.ListTools(ctx)
			if err != nil {
				return nil, err
			}
			adapted := mcp.Adapt(client, remote)
			for _, tool := range adapted {
				if err := registry.Register(tool); err != nil {
					logger.Warn("skipping remote tool", "tool", tool.Name(), "error", err)
				}
			}
			return adapted, nil
		},
	}
}

func (l *remoteToolLoader) load(ctx context.Context) error {
	if l.cache == nil {
		return nil
	}
	_, err := l.cache.GetOrInit(ctx, l.discover)
	return err
}
