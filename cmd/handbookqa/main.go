package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/rgould/handbookqa/internal/models"
	"github.com/rgould/handbookqa/pkg/config"
	"github.com/rgould/handbookqa/pkg/index"
	"github.com/rgould/handbookqa/pkg/llm"
	"github.com/rgould/handbookqa/pkg/loader"
	"github.com/rgould/handbookqa/pkg/retriever"
	"github.com/schollz/progressbar/v3"
)

type flags struct {
	configPath   string
	corpus       string
	baseURL      string
	model        string
	embedModel   string
	chunkSize    int
	chunkOverlap int
	topK         int
	metric       string
	batchSize    int
	rateLimit    float64
	maxTokens    int
	temperature  float64
	streaming    bool
}

func main() {
	// .env is optional; the environment wins either way.
	_ = godotenv.Load()

	if err := run(parseFlags()); err != nil {
		log.Fatal(err)
	}
}

func parseFlags() flags {
	var f flags

	flag.StringVar(&f.configPath, "config", "", "Path to config file")
	flag.StringVar(&f.corpus, "corpus", "", "Comma-separated corpus JSON files")
	flag.StringVar(&f.baseURL, "ollama-url", "", "Ollama server URL")
	flag.StringVar(&f.model, "model", "", "Chat model to use")
	flag.StringVar(&f.embedModel, "embed-model", "", "Embedding model to use")
	flag.IntVar(&f.chunkSize, "chunk-size", 0, "Size of text chunks")
	flag.IntVar(&f.chunkOverlap, "chunk-overlap", -1, "Overlap between consecutive chunks")
	flag.IntVar(&f.topK, "top-k", 0, "Number of passages to retrieve per question")
	flag.StringVar(&f.metric, "metric", "", "Similarity metric: l2 or cosine")
	flag.IntVar(&f.batchSize, "batch-size", 0, "Batch size for embedding requests")
	flag.Float64Var(&f.rateLimit, "rate-limit", 0, "Rate limit for embedding requests")
	flag.IntVar(&f.maxTokens, "max-tokens", 0, "Maximum tokens for LLM response")
	flag.Float64Var(&f.temperature, "temperature", 0, "Set the LLM temperature")
	flag.BoolVar(&f.streaming, "stream", true, "Enable streaming responses")
	flag.Parse()

	return f
}

// loadConfig merges the config file with any flags the user set explicitly.
func loadConfig(f flags) (*config.Config, error) {
	cfg, err := config.LoadConfig(f.configPath)
	if err != nil {
		return nil, err
	}

	if f.corpus != "" {
		cfg.Corpus.Paths = strings.Split(f.corpus, ",")
	}
	if f.baseURL != "" {
		cfg.LLM.BaseURL = f.baseURL
	}
	if f.model != "" {
		cfg.LLM.Model = f.model
	}
	if f.embedModel != "" {
		cfg.LLM.EmbedModel = f.embedModel
	}
	if f.chunkSize != 0 {
		cfg.Chunker.ChunkSize = f.chunkSize
	}
	if f.chunkOverlap >= 0 {
		cfg.Chunker.ChunkOverlap = f.chunkOverlap
	}
	if f.topK != 0 {
		cfg.Retrieval.TopK = f.topK
	}
	if f.metric != "" {
		cfg.Retrieval.Metric = f.metric
	}
	if f.batchSize != 0 {
		cfg.Embedder.BatchSize = f.batchSize
	}
	if f.rateLimit != 0 {
		cfg.Embedder.RateLimit = f.rateLimit
	}
	if f.maxTokens != 0 {
		cfg.LLM.MaxTokens = f.maxTokens
	}
	if f.temperature != 0 {
		cfg.LLM.Temperature = f.temperature
	}
	cfg.UI.Streaming = f.streaming

	if errs := cfg.Validate(); len(errs) > 0 {
		for _, e := range errs {
			color.Red("config: %v", e)
		}
		return nil, fmt.Errorf("invalid configuration (%d errors)", len(errs))
	}

	return cfg, nil
}

func getProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(color.BlueString(description)),
		progressbar.OptionSetItsString("chunks"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func getSpinner(description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(color.CyanString(description)),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWidth(20),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func run(f flags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}

	if len(cfg.Corpus.Paths) == 0 {
		return fmt.Errorf("no corpus files: pass -corpus or set corpus.paths in the config")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	var embedBar *progressbar.ProgressBar
	embedder, err := llm.NewEmbedderWithConfig(llm.EmbedderConfig{
		Model:     cfg.LLM.EmbedModel,
		BaseURL:   cfg.LLM.BaseURL,
		BatchSize: cfg.Embedder.BatchSize,
		RateLimit: cfg.Embedder.RateLimit,
		OnBatch: func(done, total int) {
			if embedBar == nil {
				embedBar = getProgressBar(total, "🧮 Embedding chunks...")
			}
			embedBar.Set(done)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize embedder: %v", err)
	}

	chatEngine, err := llm.NewWithConfig(llm.ChatConfig{
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
		BaseURL:     cfg.LLM.BaseURL,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize chat engine: %v", err)
	}

	engine, err := retriever.NewWithConfig(retriever.EngineConfig{
		Embedder:     embedder,
		Generator:    chatEngine,
		Loader:       loader.New(logger),
		ChunkSize:    cfg.Chunker.ChunkSize,
		ChunkOverlap: cfg.Chunker.ChunkOverlap,
		Metric:       index.Metric(cfg.Retrieval.Metric),
		Logger:       logger,
		OnChunks: func(count int) {
			color.Green("✓ Chunked corpus into %d passages\n", count)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize retrieval engine: %v", err)
	}

	color.Blue("\nBuilding index from %d corpus file(s)\n", len(cfg.Corpus.Paths))
	ctx := context.Background()
	if err := engine.BuildFromFiles(ctx, cfg.Corpus.Paths); err != nil {
		return err
	}
	if embedBar != nil {
		embedBar.Finish()
	}
	color.Green("\n✓ Index built\n")

	// Interactive question loop with colored output
	color.Cyan("\nAsk about university policy (type 'exit' to quit)")

	scanner := bufio.NewScanner(os.Stdin)
	userPrompt := color.New(color.FgGreen).PrintfFunc()
	assistantPrompt := color.New(color.FgCyan).PrintfFunc()

	for {
		userPrompt("\nYou: ")
		if !scanner.Scan() {
			break
		}

		question := strings.TrimSpace(scanner.Text())
		if question == "" {
			continue
		}
		if strings.ToLower(question) == "exit" {
			break
		}

		answer, err := askOne(ctx, engine, cfg, question, assistantPrompt)
		if err != nil {
			if answer != nil {
				// Generation failed but retrieval succeeded: show the raw
				// passages so the user still gets something citable.
				color.Red("\nAnswer generation failed: %v", err)
				color.Yellow("Retrieved passages:\n")
				for _, r := range answer.Sources {
					fmt.Printf("  %d. %s\n     %s\n", r.Rank, r.Chunk.Title, r.Chunk.Text)
				}
			} else {
				color.Red("Error: %v\n", err)
				continue
			}
		}

		if answer != nil && len(answer.Sources) > 0 {
			fmt.Println()
			color.Yellow("%s", llm.FormatSources(answer.Sources))
			fmt.Println()
		}
	}

	return nil
}

func askOne(ctx context.Context, engine *retriever.Engine, cfg *config.Config, question string, assistantPrompt func(format string, a ...interface{})) (*models.Answer, error) {
	searchSpinner := getSpinner("🔍 Searching policies...")

	if cfg.UI.Streaming {
		first := true
		a, err := engine.AskStream(ctx, question, cfg.Retrieval.TopK, func(chunk string) {
			if first {
				searchSpinner.Finish()
				fmt.Print("\n")
				assistantPrompt("Assistant: ")
				first = false
			}
			fmt.Print(chunk)
		})
		searchSpinner.Finish()
		if err != nil {
			return a, err
		}
		if first {
			// Model produced no stream chunks; fall back to the final text.
			assistantPrompt("\nAssistant: %s", a.Text)
		}
		fmt.Print("\n")
		return a, nil
	}

	a, err := engine.Ask(ctx, question, cfg.Retrieval.TopK)
	searchSpinner.Finish()
	if err != nil {
		return a, err
	}
	assistantPrompt("\nAssistant: %s\n", a.Text)
	return a, nil
}
