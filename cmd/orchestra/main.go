// Command orchestra runs the execution engine as a small daemon with a
// pool of shell workers. Tasks submitted with a "command" context entry
// are executed via the shell; it exists to exercise the engine end to
// end from a config file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/msageha/orchestra/internal/config"
	"github.com/msageha/orchestra/internal/engine"
	"github.com/msageha/orchestra/internal/model"
	"github.com/msageha/orchestra/internal/worker"
)

// shellWorker executes a task's "command" context entry under the task
// deadline.
type shellWorker struct {
	id string
}

func (w *shellWorker) ID() string { return w.id }

func (w *shellWorker) Capabilities() []string { return []string{"shell"} }

func (w *shellWorker) Available() bool { return true }

func (w *shellWorker) Execute(ctx context.Context, task *model.Task) (model.TaskResult, error) {
	command, ok := task.Context["command"]
	if !ok {
		return model.TaskResult{}, fmt.Errorf("task %s has no command in context", task.ID)
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	output, err := cmd.CombinedOutput()
	elapsed := time.Since(start)

	if err != nil {
		return model.TaskResult{
			Success:       false,
			Output:        string(output),
			ExecutionTime: elapsed,
			Logs:          []string{fmt.Sprintf("command failed: %v", err)},
		}, nil
	}
	return model.TaskResult{
		Success:       true,
		Output:        string(output),
		ExecutionTime: elapsed,
		Logs:          []string{fmt.Sprintf("command finished in %s", elapsed)},
	}, nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "orchestra: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "orchestra.yaml", "path to config file")
	workers := flag.Int("workers", 2, "number of shell workers")
	watch := flag.Bool("watch", false, "reload config file on change")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		cfg = model.DefaultConfig()
	}

	logger := log.New(os.Stderr, "", 0)

	registry := worker.NewRegistry()
	for i := 0; i < *workers; i++ {
		id, err := model.NewID(model.IDTypeWorker)
		if err != nil {
			return err
		}
		if err := registry.Register(&shellWorker{id: id}); err != nil {
			return err
		}
	}

	eng, err := engine.New(cfg.Engine, registry,
		engine.WithLogger(logger),
		engine.WithLogLevel(engine.ParseLogLevel(cfg.Logging.Level)),
	)
	if err != nil {
		return err
	}

	unsubscribe := eng.SubscribeTasks(func(task model.Task, event engine.TaskEvent) {
		logger.Printf("%s INFO main: task_event id=%s event=%s status=%s",
			time.Now().Format(time.RFC3339), task.ID, event, task.Status)
	})
	defer unsubscribe()

	if *watch {
		// Only the fields that are safe to change mid-flight are applied
		// on reload; concurrency and retry limits stay fixed for the
		// process lifetime.
		watcher, err := config.NewWatcher(*configPath, 0, func(cfg model.Config) {
			eng.SetLogLevel(engine.ParseLogLevel(cfg.Logging.Level))
			eng.SetPollInterval(cfg.Engine.PollInterval())
		}, logger)
		if err != nil {
			return err
		}
		defer watcher.Close()
	}

	eng.Start()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	logger.Printf("%s INFO main: received signal=%s, stopping", time.Now().Format(time.RFC3339), sig)

	// Second signal → abandon in-flight work.
	go func() {
		<-sigCh
		logger.Printf("%s WARN main: received second signal, forcing exit", time.Now().Format(time.RFC3339))
		eng.Stop(true)
		os.Exit(1)
	}()

	eng.Stop(false)
	return nil
}
