package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/go-taskrun/config"
	"github.com/cschleiden/go-taskrun/metrics/prometheus"
	"github.com/cschleiden/go-taskrun/runcontext"
	"github.com/cschleiden/go-taskrun/storage"
	"github.com/cschleiden/go-taskrun/task"
	"github.com/cschleiden/go-taskrun/worker"
	prom "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/trace"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := cfg.NewLogger(os.Stderr)

	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		panic(err)
	}

	tp := trace.NewTracerProvider(trace.WithSyncer(exp))
	defer tp.Shutdown(context.Background())

	registry := prom.NewRegistry()
	mc := prometheus.New(registry, "sample")

	tenants, closer, err := cfg.TenantService(logger)
	if err != nil {
		panic(err)
	}
	defer closer.Close()

	s, err := cfg.Storage(tenants,
		storage.WithLogger(logger),
		storage.WithMetrics(mc),
		storage.WithTracerProvider(tp),
	)
	if err != nil {
		panic(err)
	}

	// Seed an input file
	uri, err := s.Put(ctx, "demo", "kestra:///inputs/names.txt", strings.NewReader("ada\ngrace\nbarbara\n"))
	if err != nil {
		panic(err)
	}

	rcOpts, err := cfg.RunContextOptions()
	if err != nil {
		panic(err)
	}

	q := worker.NewMemoryQueue(16, clock.New())

	w := worker.New(q, s, &worker.Options{
		Pollers:             1,
		PollingInterval:     50 * time.Millisecond,
		HeartbeatInterval:   5 * time.Second,
		ShutdownGracePeriod: 10 * time.Second,
		Logger:              logger,
		Metrics:             mc,
		TracerProvider:      tp,
		RunContextOptions:   rcOpts,
	})

	if err := w.Register("io.kestra.sample.Upper", task.Func(upper)); err != nil {
		panic(err)
	}

	if err := w.Start(ctx); err != nil {
		panic("could not start worker: " + err.Error())
	}

	id, err := q.Enqueue(ctx, worker.Attempt{
		Flow: runcontext.FlowInfo{TenantID: "demo", Namespace: "company.team", ID: "upper", Revision: 1},
		TaskRun: runcontext.TaskRunInfo{
			ExecutionID: "exec-1",
			TaskID:      "upper",
			TaskRunID:   "run-1",
		},
		TaskType:  "io.kestra.sample.Upper",
		Variables: map[string]any{"greeting": "hello"},
		InputFiles: map[string]any{
			"names.txt":  uri,
			"header.txt": "${greeting} from ${flow.id}",
		},
		OutputFiles: []string{"out/*.txt"},
	})
	if err != nil {
		panic(err)
	}

	wctx, wcancel := context.WithTimeout(ctx, 30*time.Second)
	defer wcancel()

	result, err := q.WaitForResult(wctx, id)
	if err != nil {
		panic(err)
	}

	logger.Info("attempt finished", "state", result.State, "outputs", result.OutputFiles, "error", result.Error)

	cancel()

	if err := w.WaitForCompletion(); err != nil {
		panic("could not stop worker: " + err.Error())
	}

	families, err := registry.Gather()
	if err != nil {
		panic(err)
	}

	for _, f := range families {
		fmt.Println(f.GetName())
	}
}

func upper(ctx context.Context, rc runcontext.RunContext) (task.Output, error) {
	header, err := readFile(rc, "header.txt")
	if err != nil {
		return nil, err
	}

	names, err := readFile(rc, "names.txt")
	if err != nil {
		return nil, err
	}

	out := header + "\n" + strings.ToUpper(names)

	p, err := rc.NamedFile(filepath.Join("out", "names.txt"), []byte(out))
	if err != nil {
		return nil, err
	}

	rc.Metric(runcontext.Counter("lines", float64(strings.Count(out, "\n")), nil))

	return task.Output{"extension": rc.FileExtension(p)}, nil
}

func readFile(rc runcontext.RunContext, name string) (string, error) {
	p, err := rc.Resolve(name)
	if err != nil {
		return "", err
	}

	b, err := os.ReadFile(p)
	if err != nil {
		return "", err
	}

	return string(b), nil
}
