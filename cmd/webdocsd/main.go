package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/webdocs/emulator/internal/config"
	"github.com/webdocs/emulator/internal/convert"
	"github.com/webdocs/emulator/internal/editor"
	"github.com/webdocs/emulator/internal/health"
	"github.com/webdocs/emulator/internal/intercept"
	"github.com/webdocs/emulator/internal/metrics"
	"github.com/webdocs/emulator/internal/mockeditor"
	"github.com/webdocs/emulator/internal/registry"
	"github.com/webdocs/emulator/internal/resource"
	"github.com/webdocs/emulator/internal/savesess"
)

func main() {
	mockMode := flag.Bool("mock", false, "Open a sample document and run the scripted editor against it")
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	openURL := flag.String("open", "", "Document URL to open on startup")
	genToken := flag.Bool("gen-token", false, "Print a fresh auth token for the server.token config key and exit")
	flag.Parse()

	if *genToken {
		tok, err := config.GenerateToken()
		if err != nil {
			log.Fatalf("Failed to generate token: %v", err)
		}
		fmt.Println(tok)
		return
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	m := metrics.New()

	store := resource.NewStore(resource.StoreOptions{
		Capacity: cfg.Resources.CapacityBytes,
		TTL:      cfg.Resources.TTL,
		OnCapacityEvict: func(sessionID, key string, size int64) {
			m.CacheEvictions.Inc()
		},
	})
	defer store.Dispose()

	chunks := savesess.New(cfg.Saves.ChunkIdleTimeout)
	chunks.OnExpire(m.ChunkExpiries.Inc)
	defer chunks.Dispose()

	reg := registry.New(cfg.Registry.CleanupInterval)
	defer reg.Dispose()

	var engine convert.Engine
	if cfg.Converter.Binary != "" {
		engine = convert.NewExecEngine(cfg.Converter.Binary, cfg.Converter.ScratchDir)
		log.Printf("Using converter %s", cfg.Converter.Binary)
	} else {
		engine = &convert.StubEngine{}
		log.Println("No converter configured, using the in-process stub")
	}

	orch := editor.New(editor.Options{
		Engine:      engine,
		Resources:   store,
		Metrics:     m,
		SaveTimeout: cfg.Saves.SaveTimeout,
	})
	defer orch.Dispose()

	checker := health.New(health.Options{
		Resources: store,
		Registry:  reg,
		Chunks:    chunks,
		State:     func() string { return orch.State().String() },
	})

	server := intercept.NewServer(intercept.Options{
		Editor:         orch,
		Chunks:         chunks,
		Engine:         engine,
		Registry:       reg,
		Resources:      store,
		Health:         checker,
		Metrics:        m,
		AuthToken:      cfg.Server.Token,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	mux := http.NewServeMux()
	intercept.Install(mux, server)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	httpServer := &http.Server{Addr: cfg.Addr(), Handler: mux}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		cancel()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		httpServer.Shutdown(shutCtx)
	}()

	if *openURL != "" {
		if _, err := orch.Open(ctx, editor.OpenInput{URL: *openURL}); err != nil {
			log.Fatalf("Open %s: %v", *openURL, err)
		}
		log.Printf("Opened %s", *openURL)
	}

	if *mockMode {
		go runMock(ctx, cfg, orch)
	}

	log.Printf("Listening on http://%s", cfg.Addr())
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
}

// runMock opens a sample document and plays the scripted editor against
// the running server.
func runMock(ctx context.Context, cfg *config.Config, orch *editor.Orchestrator) {
	// Give the listener a moment to come up.
	time.Sleep(200 * time.Millisecond)

	sess, err := orch.Open(ctx, editor.OpenInput{
		Data:   []byte("The quick brown fox jumps over the lazy dog.\n"),
		Format: "docx",
		Title:  "demo.docx",
	})
	if err != nil {
		log.Printf("mock: open sample document: %v", err)
		return
	}
	log.Printf("mock: opened sample document as session %s", sess.ID)

	base := "http://" + cfg.Addr()
	if err := mockeditor.RunDemo(ctx, base, cfg.Server.Token, sess.ID); err != nil {
		log.Printf("mock: demo failed: %v", err)
		return
	}
	log.Println("mock: demo completed")
}
