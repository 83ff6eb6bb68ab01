package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"

	"github.com/xhad/thrive/internal/types"
	"github.com/xhad/thrive/pkg/assembler"
	"github.com/xhad/thrive/pkg/chunker"
	cfgPkg "github.com/xhad/thrive/pkg/config"
	"github.com/xhad/thrive/pkg/ingest"
	"github.com/xhad/thrive/pkg/llm"
	"github.com/xhad/thrive/pkg/loader"
	"github.com/xhad/thrive/pkg/retriever"
	"github.com/xhad/thrive/pkg/store"
	"github.com/xhad/thrive/server"
)

type flags struct {
	configPath string
	ingest     bool
	serve      bool
	docsDir    string
	indexDir   string
	stats      bool
}

func main() {
	f := parseFlags()

	config, err := cfgPkg.LoadConfig(f.configPath)
	if err != nil {
		log.Fatal(err)
	}
	if f.docsDir != "" {
		config.Ingest.DocumentsDir = f.docsDir
	}
	if f.indexDir != "" {
		config.Index.Dir = f.indexDir
	}
	if errs := config.Validate(); len(errs) > 0 {
		for _, e := range errs {
			color.Red("config: %v", e)
		}
		os.Exit(1)
	}

	if err := run(f, config); err != nil {
		log.Fatal(err)
	}
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.configPath, "config", "", "Path to config file")
	flag.BoolVar(&f.ingest, "ingest", false, "Ingest the documents directory and exit")
	flag.BoolVar(&f.serve, "serve", false, "Run the WebSocket server")
	flag.StringVar(&f.docsDir, "docs", "", "Documents directory to ingest")
	flag.StringVar(&f.indexDir, "index", "", "Index directory")
	flag.BoolVar(&f.stats, "stats", false, "Print index statistics and exit")
	flag.Parse()
	return f
}

func run(f flags, config *cfgPkg.Config) error {
	ctx := context.Background()

	embedder, err := llm.NewEmbedderWithConfig(llm.EmbedderConfig{
		Model:      config.Embedding.Model,
		BaseURL:    config.Embedding.BaseURL,
		Dim:        config.Embedding.Dim,
		BatchSize:  config.Embedding.BatchSize,
		MaxRetries: config.Embedding.MaxRetries,
		RateLimit:  config.Embedding.RateLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize embedder: %v", err)
	}

	index, err := openIndex(ctx, config, embedder)
	if err != nil {
		return err
	}
	defer index.Close()

	if f.stats {
		return printStats(ctx, config, index)
	}

	if f.ingest {
		return runIngest(ctx, config, embedder, index)
	}

	chatEngine, err := llm.NewWithConfig(llm.ChatConfig{
		Model:       config.LLM.Model,
		MaxTokens:   config.LLM.MaxTokens,
		BaseURL:     config.LLM.BaseURL,
		Temperature: config.LLM.Temperature,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize chat engine: %v", err)
	}

	rt := retriever.NewWithConfig(retriever.Config{
		TopK:           config.Retrieval.TopK,
		ScoreThreshold: config.Retrieval.ScoreThreshold,
		QueryTimeout:   time.Duration(config.Retrieval.QueryTimeoutSec) * time.Second,
		CacheTTL:       time.Duration(config.Retrieval.CacheTTLSec) * time.Second,
	}, embedder, index)

	asm := assembler.NewWithConfig(assembler.Config{
		TokenBudget: config.Context.TokenBudget,
	}, assembler.NewTokenCounter(config.Context.Encoding))

	if f.serve {
		ws := server.NewWSServer(server.Config{
			Port:      config.Server.Port,
			TopK:      config.Retrieval.TopK,
			Streaming: config.UI.Streaming,
		}, rt, asm, chatEngine)
		return ws.ListenAndServe()
	}

	return chatLoop(ctx, config, rt, asm, chatEngine)
}

// openIndex picks the index backend. The file index lives in a
// subdirectory of the index root: Persist replaces that subdirectory
// wholesale, and the ingestion manifest and run-lock sit beside it.
func openIndex(ctx context.Context, config *cfgPkg.Config, embedder types.Embedder) (types.VectorIndex, error) {
	switch config.Index.Backend {
	case "pgvector":
		ix, err := store.OpenPG(ctx, store.PGVectorConfig{
			ConnString: config.Index.ConnString,
			TableName:  config.Index.TableName,
			ModelID:    embedder.ModelID(),
			Dim:        config.Embedding.Dim,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open pgvector index: %v", err)
		}
		return ix, nil
	default:
		ix, err := store.OpenFile(store.FileIndexConfig{
			Dir:                filepath.Join(config.Index.Dir, "vectors"),
			ModelID:            embedder.ModelID(),
			Dim:                config.Embedding.Dim,
			ExactScanThreshold: config.Index.ExactScanThreshold,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open file index: %v", err)
		}
		return ix, nil
	}
}

func runIngest(ctx context.Context, config *cfgPkg.Config, embedder types.Embedder, index types.VectorIndex) error {
	color.Blue("\nStarting ingestion from %s\n", config.Ingest.DocumentsDir)

	ld, err := loader.NewWithConfig(loader.Config{Dir: config.Ingest.DocumentsDir})
	if err != nil {
		return err
	}

	loadSpinner := getSpinner("Loading documents...")
	docs, err := ld.Load(ctx)
	loadSpinner.Finish()
	if err != nil {
		return fmt.Errorf("failed to load documents: %v", err)
	}
	color.Green("\nLoaded %d documents\n", len(docs))

	ck, err := chunker.NewWithConfig(chunker.Config{
		ChunkSize:    config.Chunker.ChunkSize,
		ChunkOverlap: config.Chunker.ChunkOverlap,
	})
	if err != nil {
		return err
	}

	bar := getProgressBar(len(docs), "Indexing documents...")
	pipeline, err := ingest.NewWithConfig(ingest.Config{
		ManifestDir: config.Index.Dir,
		Workers:     config.Ingest.Workers,
		OnProgress: func(string) {
			bar.Add(1)
		},
	}, ck, embedder, index)
	if err != nil {
		return err
	}

	report, err := pipeline.Run(ctx, docs)
	bar.Finish()
	if err != nil {
		return fmt.Errorf("ingestion failed: %v", err)
	}

	color.Green("\nIngestion complete: %d added, %d updated, %d removed, %d unchanged\n",
		report.Added, report.Updated, report.Removed, report.Skipped)

	if len(report.Failed) > 0 {
		ids := make([]string, 0, len(report.Failed))
		for id := range report.Failed {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		color.Red("%d documents failed:", len(report.Failed))
		for _, id := range ids {
			color.Red("  %s: %v", id, report.Failed[id])
		}
	}
	return nil
}

func printStats(ctx context.Context, config *cfgPkg.Config, index types.VectorIndex) error {
	n, err := index.Count(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("backend: %s\n", config.Index.Backend)
	fmt.Printf("chunks:  %d\n", n)
	fmt.Printf("model:   %s (dim %d)\n", config.Embedding.Model, config.Embedding.Dim)
	return nil
}

func chatLoop(ctx context.Context, config *cfgPkg.Config, rt *retriever.Retriever, asm *assembler.Assembler, chatEngine *llm.ChatEngine) error {
	color.Cyan("\nChat with your knowledge base (type 'exit' to quit)")

	scanner := bufio.NewScanner(os.Stdin)
	userPrompt := color.New(color.FgGreen).PrintfFunc()
	assistantPrompt := color.New(color.FgCyan).PrintfFunc()

	for {
		userPrompt("\nYou: ")
		if !scanner.Scan() {
			break
		}

		query := strings.TrimSpace(scanner.Text())
		if strings.ToLower(query) == "exit" {
			break
		}
		if query == "" {
			continue
		}

		querySpinner := getSpinner("Searching knowledge base...")
		results, err := rt.Retrieve(ctx, query, 0, nil)
		querySpinner.Finish()
		fmt.Print("\r")

		if err != nil {
			color.Red("Error retrieving context: %v\n", err)
			continue
		}

		block, err := asm.Assemble(results, 0)
		if err != nil && err != assembler.ErrInsufficientBudget {
			color.Red("Error assembling context: %v\n", err)
			continue
		}

		if config.UI.Streaming {
			stream, err := chatEngine.AnswerStream(ctx, query, block)
			if err != nil {
				color.Red("Error: %v\n", err)
				continue
			}

			fmt.Print("\n")
			assistantPrompt("Assistant: ")
			for chunk := range stream {
				if chunk.Err != nil {
					color.Red("\nError: %v\n", chunk.Err)
					break
				}
				assistantPrompt("%s", chunk.Content)
			}
			fmt.Print("\n")
		} else {
			responseSpinner := getSpinner("Generating response...")
			answer, err := chatEngine.Answer(ctx, query, block)
			responseSpinner.Finish()
			fmt.Print("\r")

			if err != nil {
				color.Red("Error: %v\n", err)
				continue
			}
			assistantPrompt("Assistant: %s\n", answer)
		}

		if sources := llm.FormatSources(block); sources != "" {
			fmt.Printf("\n%s\n", sources)
		}
	}

	return nil
}

func getProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(color.BlueString(description)),
		progressbar.OptionSetItsString("docs"),
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
