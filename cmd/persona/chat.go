package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-persona/internal/chat"
	"github.com/loqalabs/loqa-persona/internal/persona"
	"github.com/loqalabs/loqa-persona/internal/runtime"
	"github.com/loqalabs/loqa-persona/internal/stt"
)

// terminalDisplay prints streamed replies as they arrive.
type terminalDisplay struct {
	mu   sync.Mutex
	out  io.Writer
	name string
	open bool
}

func (d *terminalDisplay) Fragment(_ string, text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		fmt.Fprintf(d.out, "%s: ", d.name)
		d.open = true
	}
	fmt.Fprint(d.out, text)
}

func (d *terminalDisplay) TurnCompleted(result chat.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open {
		fmt.Fprintln(d.out)
		d.open = false
	}
	if result.Err != nil {
		fmt.Fprintf(d.out, "(reply interrupted: %v)\n", result.Err)
	}
}

func (d *terminalDisplay) Partial(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fmt.Fprintf(d.out, "\r… %s", text)
}

func runChat(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	var threadID string
	fs.StringVar(&threadID, "thread", "", "Conversation thread id (defaults to persona.thread_id)")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if threadID != "" {
		cfg.Persona.ThreadID = threadID
	}
	logger := newLogger(cfg.Telemetry.LogLevel)

	report := persona.CheckResources(cfg)
	if !report.OK() {
		return fmt.Errorf("required resources missing: %s", strings.Join(report.Errors, ", "))
	}

	telemetry, err := runtime.SetupTelemetry(cfg, logger)
	if err != nil {
		return err
	}
	defer telemetry.Shutdown(context.Background())

	display := &terminalDisplay{out: os.Stdout, name: cfg.Persona.Name}
	app, err := persona.Build(ctx, cfg, persona.BuildOptions{Display: display}, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	fmt.Printf("%s is listening. /listen records speech until Enter, /clear forgets this thread, /quit exits.\n", cfg.Persona.Name)
	return chatLoop(ctx, app, display, os.Stdin)
}

func chatLoop(ctx context.Context, app *persona.App, display *terminalDisplay, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	next := func() (string, bool) {
		select {
		case <-ctx.Done():
			return "", false
		case line, ok := <-lines:
			return line, ok
		}
	}

	for {
		line, ok := next()
		if !ok {
			return nil
		}
		text := strings.TrimSpace(line)
		switch text {
		case "":
			continue
		case "/quit":
			return nil
		case "/clear":
			if err := app.History.Clear(ctx, app.Session.ThreadID()); err != nil {
				fmt.Fprintf(display.out, "clear failed: %v\n", err)
			}
			continue
		case "/listen":
			transcript, err := listen(ctx, app.Capturer, display, next)
			if err != nil {
				fmt.Fprintf(display.out, "listen failed: %v\n", err)
				continue
			}
			if transcript == "" {
				continue
			}
			fmt.Fprintf(display.out, "\r> %s\n", transcript)
			text = transcript
		}

		if _, err := app.Session.Turn(ctx, text); err != nil && !errors.Is(err, chat.ErrEmptyMessage) {
			fmt.Fprintf(display.out, "turn failed: %v\n", err)
		}
	}
}

// listen records until the next line of input and returns the final transcript.
func listen(ctx context.Context, capture *stt.Capturer, display *terminalDisplay, next func() (string, bool)) (string, error) {
	if capture == nil {
		return "", errors.New("speech input is disabled")
	}
	fmt.Fprintln(display.out, "recording, press Enter to stop")
	if err := capture.Start(ctx, func(r stt.TranscriptResult) { display.Partial(r.Text) }); err != nil {
		return "", err
	}
	next()
	result, err := capture.Stop(context.WithoutCancel(ctx))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(result.Text), nil
}
